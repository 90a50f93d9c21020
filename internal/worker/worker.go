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

// Package worker implements the per-node job supervisor: claim,
// upload, launch detached, poll for liveness, retrieve, and persist.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"dispatchd/internal/store"
	"dispatchd/internal/transport"
	"dispatchd/pkg/dispatcher"
)

// ExitLost is the sentinel exit status recorded when a remote pid
// vanishes without the worker ever observing its exit code.
const ExitLost = -999

const remoteWorkDir = "/tmp/dispatchd-jobs"

// Config controls one worker's polling, timeout, and workspace policy.
type Config struct {
	NodeIndex int

	PollInterval            time.Duration
	SupervisionPollInterval time.Duration
	WallClockMultiplier     float64 // K in K*declared_budget advisory timeout
	RestartRemoteWorkspace  bool
	ReconnectBudget         int
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.SupervisionPollInterval <= 0 {
		c.SupervisionPollInterval = 2 * time.Second
	}
	if c.WallClockMultiplier <= 0 {
		c.WallClockMultiplier = 2.0
	}
	if c.ReconnectBudget <= 0 {
		c.ReconnectBudget = 3
	}
}

// Worker owns one Transport instance and one in-flight job slot for
// exactly one compute node.
type Worker struct {
	store     *store.Store
	transport transport.Transport
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs a Worker for one node.
func New(s *store.Store, t transport.Transport, cfg Config, logger *slog.Logger) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:     s,
		transport: t,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run drives the worker loop until ctx is cancelled. It first
// reconciles any jobs assigned to this node that a prior process's
// crash left launching, running or retrieving.
func (w *Worker) Run(ctx context.Context) {
	w.reconcile(ctx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.ensureConnected(ctx); err != nil {
			w.logger.Warn("transport connect failed", "node", w.cfg.NodeIndex, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		job, err := w.store.ClaimNextForNode(ctx, w.cfg.NodeIndex)
		if err == store.ErrNotFound {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}
		if err != nil {
			w.logger.Error("claim next job failed", "node", w.cfg.NodeIndex, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		w.processJob(ctx, job)

		if ctx.Err() != nil {
			return
		}
	}
}

// reconcile handles crash recovery: jobs in {launching, running,
// retrieving} assigned to this node are resumed if a pid can still
// be observed, otherwise marked lost.
func (w *Worker) reconcile(ctx context.Context) {
	active, err := w.store.ListActiveJobs(ctx)
	if err != nil {
		w.logger.Error("reconcile: list active jobs failed", "node", w.cfg.NodeIndex, "error", err)
		return
	}
	for _, job := range active {
		if job.Node != w.cfg.NodeIndex {
			continue
		}
		switch job.Status {
		case dispatcher.JobStatusLaunching:
			w.markLost(ctx, job, "worker restarted before pid was captured")
		case dispatcher.JobStatusRunning, dispatcher.JobStatusRetrieving:
			if job.RemotePID == nil {
				w.markLost(ctx, job, "worker restarted with no recorded pid")
				continue
			}
			if err := w.ensureConnected(ctx); err != nil {
				w.markLost(ctx, job, fmt.Sprintf("worker restarted and transport unreachable: %v", err))
				continue
			}
			alive, err := w.transport.IsAlivePID(ctx, *job.RemotePID)
			if err != nil || !alive {
				w.markLost(ctx, job, "worker restarted and pid no longer observable")
				continue
			}
			w.logger.Info("resuming supervision after restart", "job_id", job.ID, "pid", *job.RemotePID)
			w.supervise(ctx, job)
			w.finishJob(ctx, job)
		}
	}
}

func (w *Worker) ensureConnected(ctx context.Context) error {
	if w.transport.IsChannelAlive(ctx) {
		return nil
	}
	return w.transport.Connect(ctx)
}

// processJob drives one job from launching through to a terminal
// status, per the state machine owned by the worker.
func (w *Worker) processJob(ctx context.Context, job *dispatcher.Job) {
	log := w.logger.With("job_id", job.ID, "node", w.cfg.NodeIndex, "principal", job.Principal)

	if w.cfg.RestartRemoteWorkspace {
		if _, err := w.transport.Exec(ctx, fmt.Sprintf("rm -rf %s && mkdir -p %s", remoteWorkDir, remoteWorkDir), 30*time.Second); err != nil {
			log.Warn("workspace reset failed, continuing", "error", err)
		}
	}

	remotePath := fmt.Sprintf("%s/%s/main.py", remoteWorkDir, job.ID)
	code, err := w.readCodeArtifact(job)
	if err != nil {
		w.failJob(ctx, job, fmt.Sprintf("read code artifact: %v", err))
		return
	}
	if err := w.transport.PutFile(ctx, code, remotePath); err != nil {
		w.failJob(ctx, job, fmt.Sprintf("upload code artifact: %v", err))
		return
	}

	pid, err := w.launchDetached(ctx, job, remotePath)
	if err != nil {
		w.failJob(ctx, job, fmt.Sprintf("launch: %v", err))
		return
	}

	// started_at was already stamped by ClaimNextForNode when the job
	// left queued; the wall-clock timeout budget runs from claim time,
	// not from the moment the remote process actually forked.
	running := dispatcher.JobStatusRunning
	if err := w.store.UpdateJobFields(ctx, job.ID, store.JobUpdate{
		Status:    &running,
		RemotePID: &pid,
	}); err != nil {
		log.Error("persist running status failed", "error", err)
	}
	job.Status = running
	job.RemotePID = &pid
	log.Info("job launched", "pid", pid)

	w.supervise(ctx, job)
	w.finishJob(ctx, job)
}

// readCodeArtifact returns the submitted code bytes for a job. The
// API layer persists the artifact under CodePath at submission time.
func (w *Worker) readCodeArtifact(job *dispatcher.Job) ([]byte, error) {
	return readLocalFile(job.CodePath)
}

func (w *Worker) launchDetached(ctx context.Context, job *dispatcher.Job, remotePath string) (int, error) {
	// setsid + nohup detaches the process from this SSH
	// session so it survives channel disconnection; the pid is
	// printed by the shell as the last line of stdout. The inner
	// sh -c records $? to exit_status once the program exits, which
	// is the only thing readExitStatus ever looks at.
	cmd := fmt.Sprintf(
		"cd %s && setsid nohup sh -c 'python3 %s; echo $? > exit_status' > stdout.log 2> stderr.log < /dev/null & echo $!",
		shQuoteDir(remotePath), shQuoteFile(remotePath),
	)
	res, err := w.transport.Exec(ctx, cmd, 30*time.Second)
	if err != nil {
		return 0, err
	}
	pid, err := parsePID(res.Stdout)
	if err != nil {
		return 0, fmt.Errorf("parse launch pid: %w (stdout=%q stderr=%q)", err, res.Stdout, res.Stderr)
	}
	return pid, nil
}

// supervise polls is_alive_pid at a bounded interval, watching for
// cancellation and enforcing the advisory wall-clock timeout. It
// returns once the pid is gone (normally, killed, or lost).
func (w *Worker) supervise(ctx context.Context, job *dispatcher.Job) {
	if job.RemotePID == nil {
		return
	}
	pid := *job.RemotePID

	deadline := time.Time{}
	if job.StartedAt != nil {
		deadline = job.StartedAt.Add(time.Duration(float64(job.DeclaredBudgetSeconds) * w.cfg.WallClockMultiplier * float64(time.Second)))
	}

	ticker := time.NewTicker(w.cfg.SupervisionPollInterval)
	defer ticker.Stop()

	consecutiveReconnectFailures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cancelRequested, cerr := w.store.IsCancelRequested(ctx, job.ID)
		if cerr == nil && cancelRequested {
			_ = w.transport.KillPID(ctx, pid)
			return
		}
		if !deadline.IsZero() && w.now().After(deadline) {
			w.logger.Info("advisory wall-clock timeout reached, cancelling", "job_id", job.ID)
			_ = w.transport.KillPID(ctx, pid)
			return
		}

		alive, err := w.transport.IsAlivePID(ctx, pid)
		if err != nil {
			if rerr := w.transport.Connect(ctx); rerr != nil {
				consecutiveReconnectFailures++
				if consecutiveReconnectFailures >= w.cfg.ReconnectBudget {
					job.FailureReason = strPtr("lost: reconnect budget exhausted during supervision")
					return
				}
				continue
			}
			consecutiveReconnectFailures = 0
			continue
		}
		consecutiveReconnectFailures = 0
		if !alive {
			return
		}
	}
}

// finishJob moves the job to retrieving, reads outputs after the pid
// has vanished, determines the final status, persists it, and releases
// the node's queue capacity.
func (w *Worker) finishJob(ctx context.Context, job *dispatcher.Job) {
	retrieving := dispatcher.JobStatusRetrieving
	if err := w.store.UpdateJobFields(ctx, job.ID, store.JobUpdate{Status: &retrieving}); err != nil {
		w.logger.Error("persist retrieving status failed", "job_id", job.ID, "error", err)
	}
	job.Status = retrieving

	remotePath := fmt.Sprintf("%s/%s/main.py", remoteWorkDir, job.ID)
	remoteDir := dirOf(remotePath)

	stdout, _ := w.transport.ReadFile(ctx, remoteDir+"/stdout.log")
	stderr, _ := w.transport.ReadFile(ctx, remoteDir+"/stderr.log")
	result, _ := w.transport.ReadFile(ctx, remoteDir+"/result.json")

	exitStatus, err := w.readExitStatus(ctx, remoteDir, job)
	if err != nil {
		w.markLost(ctx, job, fmt.Sprintf("exit status unknown after supervision: %v", err))
		w.releaseAndFinish(ctx, job)
		return
	}

	cancelRequested, _ := w.store.IsCancelRequested(ctx, job.ID)

	var status dispatcher.JobStatus
	switch {
	case cancelRequested:
		status = dispatcher.JobStatusCancelled
	case exitStatus == ExitLost:
		status = dispatcher.JobStatusLost
	case exitStatus == 0:
		status = dispatcher.JobStatusCompleted
	default:
		status = dispatcher.JobStatusFailed
	}

	now := w.now()
	update := store.JobUpdate{
		Status:        &status,
		StdoutSet:     true,
		Stdout:        stdout,
		StderrSet:     true,
		Stderr:        stderr,
		ResultFileSet: true,
		ResultFile:    result,
		ExitStatus:    &exitStatus,
		FinishedAt:    &now,
	}
	switch status {
	case dispatcher.JobStatusFailed:
		reason := fmt.Sprintf("non-zero exit status %d", exitStatus)
		update.FailureReason = &reason
	case dispatcher.JobStatusLost:
		reason := "pid vanished without recording an exit status"
		update.FailureReason = &reason
	}
	if err := w.store.UpdateJobFields(ctx, job.ID, update); err != nil {
		w.logger.Error("persist final job status failed", "job_id", job.ID, "error", err)
	}
	w.releaseAndFinish(ctx, job)
}

// readExitStatus fetches the wrapper-recorded exit code. A missing
// marker file (because the pid vanished without ever writing one)
// reports the reserved "pid disappeared" exit sentinel.
func (w *Worker) readExitStatus(ctx context.Context, remoteDir string, job *dispatcher.Job) (int, error) {
	if job.RemotePID == nil {
		return ExitLost, nil
	}
	marker, err := w.transport.ReadFile(ctx, remoteDir+"/exit_status")
	if err != nil || len(marker) == 0 {
		return ExitLost, nil
	}
	var code int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(marker)), "%d", &code); err != nil {
		return ExitLost, fmt.Errorf("parse exit marker: %w", err)
	}
	return code, nil
}

func (w *Worker) releaseAndFinish(ctx context.Context, job *dispatcher.Job) {
	if err := w.store.ReleaseNodeLoad(ctx, job.Node, job.DeclaredBudgetSeconds); err != nil {
		w.logger.Error("release node load failed", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) markLost(ctx context.Context, job *dispatcher.Job, reason string) {
	status := dispatcher.JobStatusLost
	now := w.now()
	if err := w.store.UpdateJobFields(ctx, job.ID, store.JobUpdate{
		Status:        &status,
		FailureReason: &reason,
		FinishedAt:    &now,
	}); err != nil {
		w.logger.Error("mark lost failed", "job_id", job.ID, "error", err)
	}
	w.releaseAndFinish(ctx, job)
}

func (w *Worker) failJob(ctx context.Context, job *dispatcher.Job, reason string) {
	status := dispatcher.JobStatusFailed
	now := w.now()
	if err := w.store.UpdateJobFields(ctx, job.ID, store.JobUpdate{
		Status:        &status,
		FailureReason: &reason,
		FinishedAt:    &now,
	}); err != nil {
		w.logger.Error("mark failed failed", "job_id", job.ID, "error", err)
	}
	w.releaseAndFinish(ctx, job)
}

func dirOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

func shQuoteDir(remotePath string) string {
	return dirOf(remotePath)
}

func shQuoteFile(remotePath string) string {
	idx := strings.LastIndex(remotePath, "/")
	if idx < 0 {
		return remotePath
	}
	return remotePath[idx+1:]
}

func parsePID(stdout []byte) (int, error) {
	trimmed := strings.TrimSpace(string(stdout))
	lines := strings.Split(trimmed, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	var pid int
	if _, err := fmt.Sscanf(last, "%d", &pid); err != nil {
		return 0, err
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d", pid)
	}
	return pid, nil
}

func strPtr(s string) *string { return &s }

// readLocalFile reads a submitted code artifact from the API layer's
// local staging area. There is no distributed object store behind
// it, so plain os.ReadFile suffices.
func readLocalFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
