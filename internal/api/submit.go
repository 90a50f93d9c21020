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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/apperr"
	"dispatchd/internal/metrics"
	"dispatchd/internal/middleware"
	"dispatchd/pkg/dispatcher"
)

// maxSubmitMemory bounds how much of a multipart body is buffered in
// memory before the artifact part spills to a temp file.
const maxSubmitMemory = 32 << 20 // 32 MiB

// submitConfig is the strict JSON shape of the "config" multipart
// field. Unknown fields are rejected per the wire spec's divergence
// from its permissive source.
type submitConfig struct {
	Principal       string `json:"principal"`
	Secret          string `json:"secret"`
	CompetitionTag  string `json:"competition_tag"`
	ProjectTag      string `json:"project_tag"`
	ExpectedSeconds int    `json:"expected_seconds"`
}

// handleSubmit implements POST /submit?wait=bool. Authentication here
// is the credential embedded in the config payload, not a bearer
// header, so this handler calls Auth.Authenticate directly instead of
// running behind Auth.RequireAuth.
func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, jsonError{Error: "method_not_allowed"})
		return
	}
	ctx := r.Context()

	if err := r.ParseMultipartForm(maxSubmitMemory); err != nil {
		a.writeAppError(w, r, apperr.New(apperr.KindValidation, fmt.Errorf("parse multipart form: %w", err)))
		return
	}

	cfg, err := decodeSubmitConfig(r)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}

	artifact, err := readSubmitArtifact(r)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}

	principal, _, err := a.Auth.Authenticate(ctx, cfg.Secret)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	if principal != cfg.Principal {
		a.writeAppError(w, r, apperr.New(apperr.KindPrincipalMismatch, fmt.Errorf("credential resolves to %q, config claims %q", principal, cfg.Principal)))
		return
	}

	if a.Scanner != nil {
		if rej := a.Scanner.Scan(artifact); rej != nil {
			a.writeAppError(w, r, apperr.New(apperr.KindScannerReject, rej))
			return
		}
	}

	if a.Quota != nil && !middleware.EnforceQuota(w, a.Quota, principal) {
		return
	}

	codePath, err := a.storeArtifact(principal, artifact)
	if err != nil {
		a.writeAppError(w, r, apperr.New(apperr.KindStorage, fmt.Errorf("persist artifact: %w", err)))
		return
	}

	job := dispatcher.NewJob(principal, cfg.ExpectedSeconds, codePath, cfg.CompetitionTag, cfg.ProjectTag)
	job.ID = uuid.NewString()

	if err := a.Store.SubmitJob(ctx, &job, a.Config.MaxActiveJobsPerPrincipal); err != nil {
		if kindOf(err) == apperr.KindQuotaConcurrent {
			metrics.IncQuotaRejection("concurrent")
		}
		a.writeAppError(w, r, err)
		return
	}
	metrics.ObserveJobSubmitted(job.Node)

	wait := r.URL.Query().Get("wait") == "true"
	if !wait {
		writeJSON(w, http.StatusAccepted, submitResponse(&job, nil))
		return
	}

	final, timedOut := a.waitForTerminal(ctx, job.ID)
	if timedOut {
		resp := submitResponse(final, nil)
		resp["status"] = string(dispatcher.JobStatusRunning)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse(final, final))
}

func decodeSubmitConfig(r *http.Request) (submitConfig, error) {
	raw := r.FormValue("config")
	if raw == "" {
		return submitConfig{}, apperr.New(apperr.KindValidation, fmt.Errorf("missing config field"))
	}
	var cfg submitConfig
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return submitConfig{}, apperr.New(apperr.KindValidation, fmt.Errorf("decode config: %w", err))
	}
	if cfg.Principal == "" || cfg.Secret == "" {
		return submitConfig{}, apperr.New(apperr.KindValidation, fmt.Errorf("principal and secret are required"))
	}
	if cfg.ExpectedSeconds <= 0 {
		return submitConfig{}, apperr.New(apperr.KindValidation, fmt.Errorf("expected_seconds must be positive"))
	}
	return cfg, nil
}

func readSubmitArtifact(r *http.Request) ([]byte, error) {
	file, _, err := r.FormFile("artifact")
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, fmt.Errorf("missing artifact field: %w", err))
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, fmt.Errorf("read artifact: %w", err))
	}
	return data, nil
}

func (a *API) storeArtifact(principal string, artifact []byte) (string, error) {
	if err := os.MkdirAll(a.Config.CodeStorageRoot, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s.job", principal, uuid.NewString())
	path := filepath.Join(a.Config.CodeStorageRoot, name)
	if err := os.WriteFile(path, artifact, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// waitForTerminal polls the store until job id reaches a terminal
// status or the configured wait budget elapses. timedOut is true in
// the latter case.
func (a *API) waitForTerminal(ctx context.Context, id string) (job *dispatcher.Job, timedOut bool) {
	deadline := a.Now().Add(time.Duration(a.Config.WaitMaxSeconds) * time.Second)
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	for {
		j, err := a.Store.ReadJob(ctx, id)
		if err == nil && j.Status.IsTerminal() {
			return j, false
		}
		if err == nil {
			job = j
		}
		if a.Now().After(deadline) {
			return job, true
		}
		select {
		case <-ctx.Done():
			return job, true
		case <-ticker.C:
		}
	}
}

func submitResponse(job *dispatcher.Job, results *dispatcher.Job) map[string]any {
	resp := map[string]any{
		"job_id": job.ID,
		"node":   job.Node,
		"status": string(job.Status),
	}
	if results != nil && results.Status.IsTerminal() {
		resp["stdout"] = string(results.Stdout)
		resp["stderr"] = string(results.Stderr)
		if results.ExitStatus != nil {
			resp["exit_status"] = *results.ExitStatus
		}
	}
	return resp
}

