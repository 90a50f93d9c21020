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

// Package api implements the HTTP wire surface: submit, status,
// results, cancel, jobs, nodes, and dashboard. The layer holds no
// state of its own; the Store and the worker pool it feeds are the
// sole authorities.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"dispatchd/internal/scanner"
	"dispatchd/pkg/dispatcher"
)

// Store is the subset of internal/store.Store the API needs.
type Store interface {
	SubmitJob(ctx context.Context, job *dispatcher.Job, maxActivePerPrincipal int) error
	ReadJob(ctx context.Context, id string) (*dispatcher.Job, error)
	QueryJobs(ctx context.Context, principal *string, status *dispatcher.JobStatus, limit int) ([]*dispatcher.Job, error)
	CancelJob(ctx context.Context, id, principal string, isAdmin bool) error
	ReadNodeStates(ctx context.Context) ([]dispatcher.NodeState, error)
	QueuePosition(ctx context.Context, job *dispatcher.Job) (int, error)
	ListActiveJobs(ctx context.Context) ([]*dispatcher.Job, error)
}

// Authenticator is the subset of internal/auth.Authenticator the API needs.
type Authenticator interface {
	Authenticate(ctx context.Context, secret string) (principal string, isAdmin bool, err error)
	RequireAuth(next http.Handler) http.Handler
}

// QuotaLimiter is the subset of internal/quota.Limiter the API needs.
type QuotaLimiter interface {
	Allow(principal string) (ok bool, retryAfter time.Duration)
}

// Config holds the wire-level knobs the API layer enforces directly;
// the rest of the runtime configuration belongs to the worker and
// transport constructors instead.
type Config struct {
	CodeStorageRoot           string
	MaxActiveJobsPerPrincipal int
	WaitMaxSeconds            int
	NodeAddresses             []string
}

// API is the HTTP layer. All write operations hold no locks across
// I/O; all reads that return job data are filtered so non-admin
// principals see only their own rows.
type API struct {
	Store   Store
	Auth    Authenticator
	Quota   QuotaLimiter
	Scanner *scanner.Scanner
	Config  Config
	Logger  *slog.Logger
	NowFn   func() time.Time
}

// Now returns the API's clock, defaulting to wall-clock UTC.
func (a *API) Now() time.Time {
	if a.NowFn == nil {
		return time.Now().UTC()
	}
	return a.NowFn()
}

// New constructs an API with its required dependencies.
func New(store Store, authn Authenticator, quota QuotaLimiter, scan *scanner.Scanner, cfg Config, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxActiveJobsPerPrincipal <= 0 {
		cfg.MaxActiveJobsPerPrincipal = 1
	}
	if cfg.WaitMaxSeconds <= 0 {
		cfg.WaitMaxSeconds = 300
	}
	return &API{
		Store:   store,
		Auth:    authn,
		Quota:   quota,
		Scanner: scan,
		Config:  cfg,
		Logger:  logger,
	}
}

// Register attaches every handler to mux under its wire-spec route,
// wrapping bearer-protected routes in Auth.RequireAuth. /submit
// authenticates the credential embedded in its own config payload
// instead, since the wire spec carries it there rather than in a
// header. /nodes requires no authentication.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", readyHandler)

	mux.HandleFunc("/submit", a.handleSubmit)
	mux.Handle("/status/", a.Auth.RequireAuth(http.HandlerFunc(a.handleStatus)))
	mux.Handle("/results/", a.Auth.RequireAuth(http.HandlerFunc(a.handleResults)))
	mux.Handle("/cancel/", a.Auth.RequireAuth(http.HandlerFunc(a.handleCancel)))
	mux.Handle("/jobs", a.Auth.RequireAuth(http.HandlerFunc(a.handleListJobs)))
	mux.HandleFunc("/nodes", a.handleNodes)
	mux.Handle("/dashboard", a.Auth.RequireAuth(http.HandlerFunc(a.handleDashboard)))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func readyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}
