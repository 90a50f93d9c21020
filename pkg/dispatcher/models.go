// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package dispatcher contains the shared data models used by the
// store, worker, auth, and api packages.
package dispatcher

import "time"

// JobStatus is the lifecycle state of a submitted job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusLaunching  JobStatus = "launching"
	JobStatusRunning    JobStatus = "running"
	JobStatusRetrieving JobStatus = "retrieving"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusLost       JobStatus = "lost"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusLaunching, JobStatusRunning, JobStatusRetrieving,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusLost:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status will never transition again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusLost:
		return true
	default:
		return false
	}
}

// IsActive reports whether the status counts against a principal's
// single-active-job limit.
func (s JobStatus) IsActive() bool {
	return !s.IsTerminal()
}

func (s JobStatus) String() string { return string(s) }

// Job represents one submitted unit of remote work.
type Job struct {
	ID                    string
	Principal             string
	Node                  int
	DeclaredBudgetSeconds  int
	Status                JobStatus
	RemotePID             *int
	Stdout                []byte
	Stderr                []byte
	ResultFile            []byte
	ExitStatus            *int
	FailureReason         *string
	CompetitionTag        string
	ProjectTag            string
	CodePath              string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	StartedAt             *time.Time
	FinishedAt            *time.Time
}

// NewJob constructs a job in its initial queued state. Caller assigns
// a unique ID and the placement-chosen node before persistence.
func NewJob(principal string, declaredBudgetSeconds int, codePath, competitionTag, projectTag string) Job {
	now := time.Now().UTC()
	return Job{
		Status:                JobStatusQueued,
		Principal:             principal,
		DeclaredBudgetSeconds: declaredBudgetSeconds,
		CodePath:              codePath,
		CompetitionTag:        competitionTag,
		ProjectTag:            projectTag,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// NodeState is the dispatcher's live view of one compute node's load.
type NodeState struct {
	Index                 int
	ProjectedQueueSeconds int64
	CurrentJobID          *string
	Reachable             bool
	Quarantined           bool
}

// Credential is a bearer-token principal record.
type Credential struct {
	ID        string
	Principal string
	SecretHash []byte
	IsAdmin   bool
	CreatedAt time.Time
	ExpiresAt time.Time
	Active    bool
}
