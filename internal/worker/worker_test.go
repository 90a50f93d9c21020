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

package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dispatchd/internal/store"
	"dispatchd/internal/transport"
	"dispatchd/pkg/dispatcher"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.EnsureNodes(ctx, 2); err != nil {
		t.Fatalf("EnsureNodes failed: %v", err)
	}
	return s
}

func writeCodeArtifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.py")
	if err := os.WriteFile(path, []byte("print('hello')\n"), 0o600); err != nil {
		t.Fatalf("write code artifact: %v", err)
	}
	return path
}

func submitJob(t *testing.T, s *store.Store, node int, budget int) *dispatcher.Job {
	t.Helper()
	job := dispatcher.NewJob("alice", budget, writeCodeArtifact(t), "comp1", "proj1")
	job.ID = "job-" + t.Name()
	job.Node = node
	ctx := context.Background()
	if err := s.SubmitJob(ctx, &job, 4); err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	return &job
}

func TestProcessJobCompletesSuccessfully(t *testing.T) {
	s := newTestStore(t)
	job := submitJob(t, s, 0, 300)

	ft := transport.NewFake()
	const pid = 4242
	ft.ExecFunc = func(ctx context.Context, cmd string, timeout time.Duration) (transport.ExecResult, error) {
		if strings.Contains(cmd, "setsid") {
			ft.SetPIDAlive(pid, true)
			go func() {
				time.Sleep(15 * time.Millisecond)
				remoteDir := "/tmp/dispatchd-jobs/" + job.ID
				ft.Files[remoteDir+"/stdout.log"] = []byte("hello\n")
				ft.Files[remoteDir+"/stderr.log"] = []byte("")
				ft.Files[remoteDir+"/result.json"] = []byte(`{"ok":true}`)
				ft.Files[remoteDir+"/exit_status"] = []byte("0\n")
				ft.SetPIDAlive(pid, false)
			}()
			return transport.ExecResult{Stdout: []byte("4242\n")}, nil
		}
		return transport.ExecResult{}, nil
	}

	w := New(s, ft, Config{NodeIndex: 0, SupervisionPollInterval: 5 * time.Millisecond, PollInterval: 5 * time.Millisecond}, nil)

	claimed, err := s.ClaimNextForNode(context.Background(), 0)
	if err != nil {
		t.Fatalf("ClaimNextForNode failed: %v", err)
	}

	w.processJob(context.Background(), claimed)

	final, err := s.ReadJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("ReadJob failed: %v", err)
	}
	if final.Status != dispatcher.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if final.ExitStatus == nil || *final.ExitStatus != 0 {
		t.Fatalf("expected exit status 0, got %v", final.ExitStatus)
	}
	if string(final.Stdout) != "hello\n" {
		t.Fatalf("expected stdout to be persisted, got %q", final.Stdout)
	}
}

func TestProcessJobReportsNonZeroExitAsFailed(t *testing.T) {
	s := newTestStore(t)
	job := submitJob(t, s, 0, 300)

	ft := transport.NewFake()
	const pid = 99
	ft.ExecFunc = func(ctx context.Context, cmd string, timeout time.Duration) (transport.ExecResult, error) {
		if strings.Contains(cmd, "setsid") {
			ft.SetPIDAlive(pid, true)
			go func() {
				time.Sleep(10 * time.Millisecond)
				remoteDir := "/tmp/dispatchd-jobs/" + job.ID
				ft.Files[remoteDir+"/exit_status"] = []byte("1\n")
				ft.SetPIDAlive(pid, false)
			}()
			return transport.ExecResult{Stdout: []byte("99\n")}, nil
		}
		return transport.ExecResult{}, nil
	}

	w := New(s, ft, Config{NodeIndex: 0, SupervisionPollInterval: 5 * time.Millisecond}, nil)
	claimed, err := s.ClaimNextForNode(context.Background(), 0)
	if err != nil {
		t.Fatalf("ClaimNextForNode failed: %v", err)
	}
	w.processJob(context.Background(), claimed)

	final, err := s.ReadJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("ReadJob failed: %v", err)
	}
	if final.Status != dispatcher.JobStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.FailureReason == nil {
		t.Fatal("expected a failure reason to be recorded")
	}
}

func TestProcessJobPidVanishesWithoutExitMarkerIsLost(t *testing.T) {
	s := newTestStore(t)
	job := submitJob(t, s, 0, 300)

	ft := transport.NewFake()
	const pid = 7
	ft.ExecFunc = func(ctx context.Context, cmd string, timeout time.Duration) (transport.ExecResult, error) {
		if strings.Contains(cmd, "setsid") {
			ft.SetPIDAlive(pid, true)
			go func() {
				time.Sleep(10 * time.Millisecond)
				ft.SetPIDAlive(pid, false)
			}()
			return transport.ExecResult{Stdout: []byte("7\n")}, nil
		}
		return transport.ExecResult{}, nil
	}

	w := New(s, ft, Config{NodeIndex: 0, SupervisionPollInterval: 5 * time.Millisecond}, nil)
	claimed, err := s.ClaimNextForNode(context.Background(), 0)
	if err != nil {
		t.Fatalf("ClaimNextForNode failed: %v", err)
	}
	w.processJob(context.Background(), claimed)

	final, err := s.ReadJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("ReadJob failed: %v", err)
	}
	if final.Status != dispatcher.JobStatusLost {
		t.Fatalf("expected lost, got %s", final.Status)
	}
}

func TestProcessJobHonorsCancelRequest(t *testing.T) {
	s := newTestStore(t)
	job := submitJob(t, s, 0, 300)

	ft := transport.NewFake()
	const pid = 55
	killed := make(chan struct{}, 1)
	ft.ExecFunc = func(ctx context.Context, cmd string, timeout time.Duration) (transport.ExecResult, error) {
		if strings.Contains(cmd, "setsid") {
			ft.SetPIDAlive(pid, true)
			return transport.ExecResult{Stdout: []byte("55\n")}, nil
		}
		return transport.ExecResult{}, nil
	}

	ctx := context.Background()
	w := New(s, ft, Config{NodeIndex: 0, SupervisionPollInterval: 5 * time.Millisecond}, nil)
	claimed, err := s.ClaimNextForNode(ctx, 0)
	if err != nil {
		t.Fatalf("ClaimNextForNode failed: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = s.CancelJob(ctx, job.ID, job.Principal, false)
		remoteDir := "/tmp/dispatchd-jobs/" + job.ID
		ft.Files[remoteDir+"/exit_status"] = []byte("137\n")
		killed <- struct{}{}
	}()

	w.processJob(ctx, claimed)
	<-killed

	final, err := s.ReadJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ReadJob failed: %v", err)
	}
	if final.Status != dispatcher.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
}

func TestReconcileMarksOrphanedLaunchingJobLost(t *testing.T) {
	s := newTestStore(t)
	job := submitJob(t, s, 0, 300)
	ctx := context.Background()
	if _, err := s.ClaimNextForNode(ctx, 0); err != nil {
		t.Fatalf("ClaimNextForNode failed: %v", err)
	}

	ft := transport.NewFake()
	w := New(s, ft, Config{NodeIndex: 0}, nil)
	w.reconcile(ctx)

	final, err := s.ReadJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ReadJob failed: %v", err)
	}
	if final.Status != dispatcher.JobStatusLost {
		t.Fatalf("expected lost after reconcile, got %s", final.Status)
	}
}

func TestReconcileResumesSupervisionWhenPidStillAlive(t *testing.T) {
	s := newTestStore(t)
	job := submitJob(t, s, 0, 300)
	ctx := context.Background()
	claimed, err := s.ClaimNextForNode(ctx, 0)
	if err != nil {
		t.Fatalf("ClaimNextForNode failed: %v", err)
	}
	pid := 321
	running := dispatcher.JobStatusRunning
	if err := s.UpdateJobFields(ctx, claimed.ID, store.JobUpdate{Status: &running, RemotePID: &pid}); err != nil {
		t.Fatalf("UpdateJobFields failed: %v", err)
	}

	ft := transport.NewFake()
	ft.SetPIDAlive(pid, true)
	remoteDir := "/tmp/dispatchd-jobs/" + job.ID
	go func() {
		time.Sleep(10 * time.Millisecond)
		ft.Files[remoteDir+"/exit_status"] = []byte("0\n")
		ft.SetPIDAlive(pid, false)
	}()

	w := New(s, ft, Config{NodeIndex: 0, SupervisionPollInterval: 5 * time.Millisecond}, nil)
	w.reconcile(ctx)

	final, err := s.ReadJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ReadJob failed: %v", err)
	}
	if final.Status != dispatcher.JobStatusCompleted {
		t.Fatalf("expected completed after resumed supervision, got %s", final.Status)
	}
}

func TestParsePIDFromTrailingLine(t *testing.T) {
	pid, err := parsePID([]byte("some banner\n1234\n"))
	if err != nil {
		t.Fatalf("parsePID failed: %v", err)
	}
	if pid != 1234 {
		t.Fatalf("expected pid 1234, got %d", pid)
	}

	if _, err := parsePID([]byte("not a pid")); err == nil {
		t.Fatal("expected error for non-numeric output")
	}
}
