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

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"dispatchd/internal/api"
	"dispatchd/internal/auth"
	"dispatchd/internal/quota"
	"dispatchd/internal/store"
	"dispatchd/pkg/dispatcher"
)

func newTestAPI(t *testing.T) (*api.API, *store.Store, *auth.Authenticator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "api-test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.EnsureNodes(ctx, 2); err != nil {
		t.Fatalf("ensure nodes: %v", err)
	}

	authn := auth.New(s, 90)
	limiter := quota.New(1000)
	t.Cleanup(limiter.Stop)

	a := api.New(s, authn, limiter, nil, api.Config{
		CodeStorageRoot:           t.TempDir(),
		MaxActiveJobsPerPrincipal: 3,
		WaitMaxSeconds:            2,
	}, nil)
	return a, s, authn
}

func issueCredential(t *testing.T, authn *auth.Authenticator, principal string, isAdmin bool) string {
	t.Helper()
	secret, _, err := authn.CreateCredential(context.Background(), principal, isAdmin, 24*time.Hour)
	if err != nil {
		t.Fatalf("create credential for %s: %v", principal, err)
	}
	return secret
}

func buildSubmitBody(t *testing.T, principal, secret string, expectedSeconds int) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)

	cfg := map[string]any{
		"principal":        principal,
		"secret":           secret,
		"competition_tag":  "comp1",
		"project_tag":      "proj1",
		"expected_seconds": expectedSeconds,
	}
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := mw.WriteField("config", string(cfgBytes)); err != nil {
		t.Fatalf("write config field: %v", err)
	}

	fw, err := mw.CreateFormFile("artifact", "main.py")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte("print('ok')\n")); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return buf, mw.FormDataContentType()
}

func submit(t *testing.T, mux *http.ServeMux, principal, secret string, wait bool, expectedSeconds int) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := buildSubmitBody(t, principal, secret, expectedSeconds)
	url := "/submit"
	if wait {
		url += "?wait=true"
	}
	req := httptest.NewRequest(http.MethodPost, url, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func newMux(a *api.API) *http.ServeMux {
	mux := http.NewServeMux()
	a.Register(mux)
	return mux
}

func authedRequest(method, path, secret string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	return req
}

func TestSubmitAsyncReturnsImmediatelyWithQueuedOrLaunching(t *testing.T) {
	a, _, authn := newTestAPI(t)
	secret := issueCredential(t, authn, "alice", false)
	mux := newMux(a)

	rec := submit(t, mux, "alice", secret, false, 5)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	status := resp["status"]
	if status != "queued" && status != "launching" {
		t.Fatalf("expected queued or launching, got %v", status)
	}
	if resp["job_id"] == "" || resp["job_id"] == nil {
		t.Fatalf("expected a job id in response: %v", resp)
	}
}

func TestSubmitPrincipalMismatchRejected(t *testing.T) {
	a, _, authn := newTestAPI(t)
	secret := issueCredential(t, authn, "alice", false)
	mux := newMux(a)

	body, contentType := buildSubmitBody(t, "bob", secret, 5)
	req := httptest.NewRequest(http.MethodPost, "/submit", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 principal-mismatch, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitSynchronousWaitReturnsCompletedResults(t *testing.T) {
	a, s, authn := newTestAPI(t)
	secret := issueCredential(t, authn, "alice", false)
	mux := newMux(a)

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			principal := "alice"
			jobs, err := s.QueryJobs(context.Background(), &principal, nil, 5)
			if err == nil {
				for _, j := range jobs {
					if !j.Status.IsTerminal() {
						exit := 0
						completed := dispatcher.JobStatusCompleted
						now := time.Now().UTC()
						_ = s.UpdateJobFields(context.Background(), j.ID, store.JobUpdate{
							Status:     &completed,
							ExitStatus: &exit,
							StdoutSet:  true,
							Stdout:     []byte(`{"ok":true}`),
							FinishedAt: &now,
						})
						return
					}
				}
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	rec := submit(t, mux, "alice", secret, true, 5)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "completed" {
		t.Fatalf("expected completed status, got %v: %v", resp["status"], resp)
	}
	stdout, _ := resp["stdout"].(string)
	if stdout != `{"ok":true}` {
		t.Fatalf("expected stdout to carry result artifact, got %q", stdout)
	}
}

func TestStatusOwnershipDeniedForNonOwnerButVisibleToAdmin(t *testing.T) {
	a, _, authn := newTestAPI(t)
	aliceSecret := issueCredential(t, authn, "alice", false)
	bobSecret := issueCredential(t, authn, "bob", false)
	adminSecret := issueCredential(t, authn, "root", true)
	mux := newMux(a)

	rec := submit(t, mux, "alice", aliceSecret, false, 5)
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	jobID := fmt.Sprintf("%v", resp["job_id"])

	req := authedRequest(http.MethodGet, "/status/"+jobID, bobSecret)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for non-owner, got %d: %s", rr.Code, rr.Body.String())
	}

	req = authedRequest(http.MethodGet, "/status/"+jobID, adminSecret)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCancelQueuedJobByOwnerSucceeds(t *testing.T) {
	a, _, authn := newTestAPI(t)
	aliceSecret := issueCredential(t, authn, "alice", false)
	mux := newMux(a)

	rec := submit(t, mux, "alice", aliceSecret, false, 5)
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	jobID := fmt.Sprintf("%v", resp["job_id"])

	req := authedRequest(http.MethodPost, "/cancel/"+jobID, aliceSecret)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 cancelling own queued job, got %d: %s", rr.Code, rr.Body.String())
	}

	req = authedRequest(http.MethodPost, "/cancel/"+jobID, aliceSecret)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 terminal-state on double-cancel, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestNodesRequiresNoAuthentication(t *testing.T) {
	a, _, _ := newTestAPI(t)
	mux := newMux(a)

	req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for unauthenticated /nodes, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestListJobsIgnoresPrincipalFilterForNonAdmin(t *testing.T) {
	a, _, authn := newTestAPI(t)
	aliceSecret := issueCredential(t, authn, "alice", false)
	_ = issueCredential(t, authn, "bob", false)
	mux := newMux(a)

	submit(t, mux, "alice", aliceSecret, false, 5)

	req := authedRequest(http.MethodGet, "/jobs?principal=bob", aliceSecret)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Jobs []map[string]any `json:"jobs"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	for _, j := range resp.Jobs {
		if j["principal"] != "alice" {
			t.Fatalf("expected the principal filter to be ignored for non-admin callers, saw %v", j["principal"])
		}
	}
}
