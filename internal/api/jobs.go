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

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"dispatchd/internal/apperr"
	"dispatchd/internal/auth"
	"dispatchd/pkg/dispatcher"
)

// jobIDFromPath extracts the trailing path segment after prefix, e.g.
// "/status/abc" with prefix "/status/" yields "abc".
func jobIDFromPath(r *http.Request, prefix string) (string, error) {
	id := strings.TrimPrefix(r.URL.Path, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", apperr.New(apperr.KindValidation, fmt.Errorf("missing job id in path"))
	}
	return id, nil
}

// ownedJob reads a job and applies the ownership rule: a non-admin
// caller who does not own the job is told it does not exist, to avoid
// confirming the id's existence to a caller with no claim to it.
func (a *API) ownedJob(r *http.Request, id string) (*dispatcher.Job, error) {
	p, _ := auth.PrincipalFromContext(r.Context())
	job, err := a.Store.ReadJob(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin && job.Principal != p.Principal {
		return nil, apperr.New(apperr.KindNotFound, fmt.Errorf("job %s not found", id))
	}
	return job, nil
}

// handleStatus implements GET /status/{id}.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, jsonError{Error: "method_not_allowed"})
		return
	}
	id, err := jobIDFromPath(r, "/status/")
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	job, err := a.ownedJob(r, id)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}

	resp := map[string]any{
		"job_id":     job.ID,
		"status":     string(job.Status),
		"node":       job.Node,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.StartedAt != nil {
		resp["started_at"] = *job.StartedAt
	}
	if job.FinishedAt != nil {
		resp["finished_at"] = *job.FinishedAt
	}
	if job.ExitStatus != nil {
		resp["exit_status"] = *job.ExitStatus
	}
	if job.Status == dispatcher.JobStatusQueued {
		if pos, err := a.Store.QueuePosition(r.Context(), job); err == nil {
			resp["queue_position"] = pos
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleResults implements GET /results/{id}.
func (a *API) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, jsonError{Error: "method_not_allowed"})
		return
	}
	id, err := jobIDFromPath(r, "/results/")
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	job, err := a.ownedJob(r, id)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}

	resp := map[string]any{
		"job_id": job.ID,
		"status": string(job.Status),
		"stdout": string(job.Stdout),
		"stderr": string(job.Stderr),
	}
	if job.ExitStatus != nil {
		resp["exit_status"] = *job.ExitStatus
	}
	if job.FailureReason != nil {
		resp["failure_reason"] = *job.FailureReason
	}
	resp["created_at"] = job.CreatedAt
	if job.StartedAt != nil {
		resp["started_at"] = *job.StartedAt
	}
	if job.FinishedAt != nil {
		resp["finished_at"] = *job.FinishedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCancel implements POST /cancel/{id}.
func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, jsonError{Error: "method_not_allowed"})
		return
	}
	id, err := jobIDFromPath(r, "/cancel/")
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())

	// Apply the same not-found-over-forbidden ownership rule before
	// even attempting the cancel, so an unrelated job id is
	// indistinguishable from a nonexistent one.
	if _, err := a.ownedJob(r, id); err != nil {
		a.writeAppError(w, r, err)
		return
	}

	if err := a.Store.CancelJob(r.Context(), id, p.Principal, p.IsAdmin); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(dispatcher.JobStatusCancelled)})
}

// handleListJobs implements GET /jobs?status=&principal=&limit=.
func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, jsonError{Error: "method_not_allowed"})
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())

	q := r.URL.Query()
	var statusFilter *dispatcher.JobStatus
	if s := q.Get("status"); s != "" {
		js := dispatcher.JobStatus(s)
		if !js.Valid() {
			a.writeAppError(w, r, apperr.New(apperr.KindValidation, fmt.Errorf("unknown status %q", s)))
			return
		}
		statusFilter = &js
	}

	var principalFilter *string
	if p.IsAdmin {
		if pr := q.Get("principal"); pr != "" {
			principalFilter = &pr
		}
	} else {
		principalFilter = &p.Principal
	}

	limit := 100
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			a.writeAppError(w, r, apperr.New(apperr.KindValidation, fmt.Errorf("invalid limit %q", l)))
			return
		}
		limit = n
	}

	jobs, err := a.Store.QueryJobs(r.Context(), principalFilter, statusFilter, limit)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobSummaries(jobs)})
}

func jobSummaries(jobs []*dispatcher.Job) []map[string]any {
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		s := map[string]any{
			"job_id":     j.ID,
			"principal":  j.Principal,
			"status":     string(j.Status),
			"node":       j.Node,
			"created_at": j.CreatedAt,
		}
		if j.FinishedAt != nil {
			s["finished_at"] = *j.FinishedAt
		}
		out = append(out, s)
	}
	return out
}
