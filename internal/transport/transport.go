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

// Package transport defines the resilient command channel used by
// workers to reach one compute node through a bastion host. It does
// not interpret command output, parse result artifacts, or know what
// a job is; it only runs commands and moves bytes.
package transport

import (
	"context"
	"time"
)

// ExecResult is the outcome of a single remote command execution.
type ExecResult struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
}

// Transport is the interface workers use to drive one remote compute
// node. Implementations own exactly one underlying session and are
// not shared across workers.
type Transport interface {
	// Connect establishes (or re-establishes) the two-hop session.
	Connect(ctx context.Context) error

	// Exec runs a shell command remotely, blocking until it returns
	// or timeout elapses.
	Exec(ctx context.Context, cmd string, timeout time.Duration) (ExecResult, error)

	// PutFile uploads local bytes to a remote path.
	PutFile(ctx context.Context, localBytes []byte, remotePath string) error

	// ReadFile downloads a remote path's contents.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)

	// IsAlivePID reports whether a process with the given pid still
	// exists on the remote host.
	IsAlivePID(ctx context.Context, pid int) (bool, error)

	// KillPID best-effort terminates a remote process, escalating
	// signals; returns once the pid is no longer observable or the
	// escalation budget is exhausted.
	KillPID(ctx context.Context, pid int) error

	// IsChannelAlive is a lightweight liveness check that does not
	// perform a full reconnect.
	IsChannelAlive(ctx context.Context) bool

	// Close releases the underlying session.
	Close() error
}

// Config holds connection parameters for one node's transport.
type Config struct {
	BastionAddress   string
	BastionUser      string
	BastionSecondary string // fallback bastion, tried if primary is unreachable
	NodeAddress      string
	RemoteUser       string
	RemoteSecret     string // private key material or password, per implementation

	ConnectBudget   time.Duration
	KeepAlive       time.Duration
	ReconnectBudget int // consecutive reconnect attempts before giving up
}

// ErrBastionUnreachable is returned by Connect when neither the
// primary nor (if configured) the secondary bastion can be reached.
type ErrBastionUnreachable struct {
	Primary, Secondary string
}

func (e *ErrBastionUnreachable) Error() string {
	if e.Secondary == "" {
		return "bastion unreachable: " + e.Primary
	}
	return "bastion unreachable: " + e.Primary + " (and fallback " + e.Secondary + ")"
}
