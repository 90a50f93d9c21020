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

// Package store provides the SQLite-backed persistence layer for the
// dispatcher: jobs, node state, and credentials, with schema
// migrations and leasing-style atomic claim operations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"dispatchd/internal/apperr"
	"dispatchd/internal/placer"
	"dispatchd/pkg/dispatcher"
)

const (
	defaultBusyTimeout = 5 * time.Second
	schemaVersionKey   = "schema_version"
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = apperr.ErrNotFound

// activeStatuses are the job statuses that count against a
// principal's concurrency cap and a node's queue occupancy.
var activeStatuses = []dispatcher.JobStatus{
	dispatcher.JobStatusQueued,
	dispatcher.JobStatusLaunching,
	dispatcher.JobStatusRunning,
	dispatcher.JobStatusRetrieving,
}

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies
// concurrency/durability pragmas, runs migrations, and returns a
// ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a serializable transaction, rolling back
// on error or panic and committing otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}
	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}
	const target = 1
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}
	_ = target
	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS settings (key TEXT PRIMARY KEY, value TEXT NOT NULL);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `INSERT INTO settings(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	return err
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
  idx                     INTEGER PRIMARY KEY,
  projected_queue_seconds INTEGER NOT NULL DEFAULT 0,
  current_job_id          TEXT NULL,
  reachable               INTEGER NOT NULL DEFAULT 1,
  quarantined             INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE TABLE IF NOT EXISTS jobs (
  id                       TEXT PRIMARY KEY,
  principal                TEXT NOT NULL,
  node                     INTEGER NOT NULL REFERENCES nodes(idx),
  declared_budget_seconds  INTEGER NOT NULL,
  status                   TEXT NOT NULL CHECK (status IN ('queued','launching','running','retrieving','completed','failed','cancelled','lost')),
  remote_pid               INTEGER NULL,
  stdout                   BLOB NULL,
  stderr                   BLOB NULL,
  result_file              BLOB NULL,
  exit_status              INTEGER NULL,
  failure_reason           TEXT NULL,
  competition_tag          TEXT NOT NULL DEFAULT '',
  project_tag              TEXT NOT NULL DEFAULT '',
  code_path                TEXT NOT NULL DEFAULT '',
  created_at               TIMESTAMP NOT NULL,
  updated_at               TIMESTAMP NOT NULL,
  started_at               TIMESTAMP NULL,
  finished_at              TIMESTAMP NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_principal_status ON jobs(principal, status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_node_status ON jobs(node, status);`,
		`CREATE TABLE IF NOT EXISTS credentials (
  id          TEXT PRIMARY KEY,
  principal   TEXT NOT NULL,
  secret_hash BLOB NOT NULL,
  is_admin    INTEGER NOT NULL DEFAULT 0,
  created_at  TIMESTAMP NOT NULL,
  expires_at  TIMESTAMP NOT NULL,
  active      INTEGER NOT NULL DEFAULT 1
);`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_hash ON credentials(secret_hash);`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_principal ON credentials(principal);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// --------------- Nodes ---------------

// EnsureNodes creates node rows 0..n-1 if they don't already exist,
// reconciling the configured node count against the store at startup.
func (s *Store) EnsureNodes(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		const ins = `INSERT INTO nodes(idx, projected_queue_seconds, reachable, quarantined) VALUES(?, 0, 1, 0)
ON CONFLICT(idx) DO NOTHING;`
		if _, err := s.db.ExecContext(ctx, ins, i); err != nil {
			return fmt.Errorf("ensure node %d: %w", i, err)
		}
	}
	return nil
}

// ReadNodeStates returns the current state of every node, ordered by index.
func (s *Store) ReadNodeStates(ctx context.Context) ([]dispatcher.NodeState, error) {
	const q = `SELECT idx, projected_queue_seconds, current_job_id, reachable, quarantined FROM nodes ORDER BY idx ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read node states: %w", err)
	}
	defer rows.Close()

	var out []dispatcher.NodeState
	for rows.Next() {
		var (
			idx              int
			queueSeconds     int64
			currentJobID     sql.NullString
			reachable, quar  bool
		)
		if err := rows.Scan(&idx, &queueSeconds, &currentJobID, &reachable, &quar); err != nil {
			return nil, fmt.Errorf("scan node state: %w", err)
		}
		ns := dispatcher.NodeState{
			Index:                 idx,
			ProjectedQueueSeconds: queueSeconds,
			Reachable:             reachable,
			Quarantined:           quar,
		}
		if currentJobID.Valid {
			v := currentJobID.String
			ns.CurrentJobID = &v
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// UpsertNodeState writes a node's reachability/quarantine flags.
func (s *Store) UpsertNodeState(ctx context.Context, ns dispatcher.NodeState) error {
	const upd = `UPDATE nodes SET reachable=?, quarantined=? WHERE idx=?`
	_, err := s.db.ExecContext(ctx, upd, ns.Reachable, ns.Quarantined, ns.Index)
	return err
}

func (s *Store) setNodeCurrentJob(ctx context.Context, tx *sql.Tx, node int, jobID *string) error {
	const upd = `UPDATE nodes SET current_job_id=? WHERE idx=?`
	var v any
	if jobID != nil {
		v = *jobID
	}
	_, err := tx.ExecContext(ctx, upd, v, node)
	return err
}

// --------------- Jobs: submission (quota + placement + insert, atomic) ---------------

// SubmitJob validates the principal's concurrency quota, chooses a
// node via the placer, and inserts the job, all inside a single
// serializable transaction so that two concurrent submissions from
// the same principal cannot both observe zero active jobs, and so
// that node load and job placement never diverge.
func (s *Store) SubmitJob(ctx context.Context, job *dispatcher.Job, maxActivePerPrincipal int) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		activeCount, err := s.countActiveForPrincipalTx(ctx, tx, job.Principal)
		if err != nil {
			return err
		}
		if activeCount >= maxActivePerPrincipal {
			return apperr.New(apperr.KindQuotaConcurrent, errors.New("principal already has an active job"))
		}

		const selNodes = `SELECT idx, projected_queue_seconds FROM nodes ORDER BY idx ASC`
		rows, err := tx.QueryContext(ctx, selNodes)
		if err != nil {
			return fmt.Errorf("select nodes: %w", err)
		}
		var loads []placer.NodeLoad
		for rows.Next() {
			var l placer.NodeLoad
			if err := rows.Scan(&l.Index, &l.ProjectedQueueSeconds); err != nil {
				rows.Close()
				return fmt.Errorf("scan node load: %w", err)
			}
			loads = append(loads, l)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(loads) == 0 {
			return apperr.New(apperr.KindStorage, errors.New("no nodes configured"))
		}

		chosen := placer.Choose(loads, int64(job.DeclaredBudgetSeconds))
		job.Node = chosen

		const updNode = `UPDATE nodes SET projected_queue_seconds = projected_queue_seconds + ? WHERE idx=?`
		if _, err := tx.ExecContext(ctx, updNode, job.DeclaredBudgetSeconds, chosen); err != nil {
			return fmt.Errorf("update node queue time: %w", err)
		}

		const ins = `INSERT INTO jobs (id, principal, node, declared_budget_seconds, status, competition_tag, project_tag, code_path, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
		_, err = tx.ExecContext(ctx, ins,
			job.ID, job.Principal, job.Node, job.DeclaredBudgetSeconds, job.Status.String(),
			job.CompetitionTag, job.ProjectTag, job.CodePath, job.CreatedAt.UTC(), job.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

func (s *Store) countActiveForPrincipalTx(ctx context.Context, tx *sql.Tx, principal string) (int, error) {
	const q = `SELECT COUNT(*) FROM jobs WHERE principal=? AND status IN ('queued','launching','running','retrieving')`
	var n int
	if err := tx.QueryRowContext(ctx, q, principal).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// ListActiveJobs returns every job in an active state, used for
// startup reconciliation and the "no placement leak" invariant.
func (s *Store) ListActiveJobs(ctx context.Context) ([]*dispatcher.Job, error) {
	const q = jobSelectColumns + ` FROM jobs WHERE status IN ('queued','launching','running','retrieving') ORDER BY created_at ASC`
	return s.queryJobs(ctx, q)
}

// --------------- Jobs: claim / scheduler ---------------

// ClaimNextForNode atomically transitions the oldest queued job for a
// node to launching and sets started_at; this is the pick step the
// worker loop calls at the start of each loop iteration.
func (s *Store) ClaimNextForNode(ctx context.Context, node int) (*dispatcher.Job, error) {
	var claimed *dispatcher.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT id FROM jobs WHERE node=? AND status='queued' ORDER BY created_at ASC LIMIT 1`
		var id string
		if err := tx.QueryRowContext(ctx, sel, node).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select queued job: %w", err)
		}

		now := time.Now().UTC()
		const upd = `UPDATE jobs SET status='launching', started_at=?, updated_at=? WHERE id=? AND status='queued'`
		res, err := tx.ExecContext(ctx, upd, now, now, id)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrNotFound
		}
		if err := s.setNodeCurrentJob(ctx, tx, node, &id); err != nil {
			return err
		}

		j, err := s.getJobByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		claimed = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CancelJob marks a job cancelled if it exists, is in a cancellable
// state, and the caller owns it or is admin.
func (s *Store) CancelJob(ctx context.Context, id, principal string, isAdmin bool) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		j, err := s.getJobByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !isAdmin && j.Principal != principal {
			return apperr.New(apperr.KindForbidden, errors.New("not the job owner"))
		}
		switch j.Status {
		case dispatcher.JobStatusQueued, dispatcher.JobStatusLaunching, dispatcher.JobStatusRunning:
		default:
			return apperr.New(apperr.KindTerminalState, fmt.Errorf("job %s is in terminal or non-cancellable state %s", id, j.Status))
		}

		now := time.Now().UTC()
		if j.Status == dispatcher.JobStatusQueued {
			// Removed from the ready view immediately; no supervisor involved.
			const upd = `UPDATE jobs SET status='cancelled', finished_at=?, updated_at=? WHERE id=?`
			if _, err := tx.ExecContext(ctx, upd, now, now, id); err != nil {
				return fmt.Errorf("cancel queued job: %w", err)
			}
			if err := s.releaseNodeLoadTx(ctx, tx, j.Node, j.DeclaredBudgetSeconds); err != nil {
				return err
			}
			return nil
		}

		// launching/running: signal only; the worker drives it through
		// retrieving to cancelled once it observes the flag below.
		const updFlag = `UPDATE jobs SET failure_reason='cancel-requested', updated_at=? WHERE id=?`
		_, err = tx.ExecContext(ctx, updFlag, now, id)
		return err
	})
}

// IsCancelRequested reports whether a cancel has been signalled for a
// job that is still launching/running (before the worker has observed
// it and transitioned the status itself).
func (s *Store) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	const q = `SELECT failure_reason FROM jobs WHERE id=?`
	var fr sql.NullString
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&fr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return fr.Valid && fr.String == "cancel-requested", nil
}

func (s *Store) releaseNodeLoadTx(ctx context.Context, tx *sql.Tx, node int, declaredBudgetSeconds int) error {
	const upd = `UPDATE nodes SET projected_queue_seconds = MAX(0, projected_queue_seconds - ?), current_job_id=NULL WHERE idx=?`
	_, err := tx.ExecContext(ctx, upd, declaredBudgetSeconds, node)
	return err
}

// ReleaseNodeLoad subtracts a job's declared budget from its node's
// projected queue time, floored at zero.
func (s *Store) ReleaseNodeLoad(ctx context.Context, node int, declaredBudgetSeconds int) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.releaseNodeLoadTx(ctx, tx, node, declaredBudgetSeconds)
	})
}

// PurgeOldResultBlobs clears stdout/stderr/result_file for terminal
// jobs that finished before cutoff, leaving the job row (and its
// status/exit code history) intact. Returns the number of rows
// cleared.
func (s *Store) PurgeOldResultBlobs(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `UPDATE jobs SET stdout=NULL, stderr=NULL, result_file=NULL
		WHERE finished_at IS NOT NULL AND finished_at < ?
		AND (stdout IS NOT NULL OR stderr IS NOT NULL OR result_file IS NOT NULL)`
	res, err := s.db.ExecContext(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge old result blobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// QueuePosition reports a queued job's 1-based position in its node's
// FIFO ready view. Only meaningful while the job is still queued.
func (s *Store) QueuePosition(ctx context.Context, job *dispatcher.Job) (int, error) {
	const q = `SELECT COUNT(*) FROM jobs WHERE node=? AND status='queued' AND created_at<=?`
	var n int
	if err := s.db.QueryRowContext(ctx, q, job.Node, job.CreatedAt.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return n, nil
}

// --------------- Jobs: reads ---------------

const jobSelectColumns = `SELECT id, principal, node, declared_budget_seconds, status, remote_pid, stdout, stderr, result_file,
exit_status, failure_reason, competition_tag, project_tag, code_path, created_at, updated_at, started_at, finished_at`

// ReadJob retrieves a job by id.
func (s *Store) ReadJob(ctx context.Context, id string) (*dispatcher.Job, error) {
	const q = jobSelectColumns + ` FROM jobs WHERE id=?`
	jobs, err := s.queryJobs(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return jobs[0], nil
}

// QueryJobs lists jobs, optionally filtered by principal and/or
// status, newest first, capped at limit (0 means unlimited).
func (s *Store) QueryJobs(ctx context.Context, principal *string, status *dispatcher.JobStatus, limit int) ([]*dispatcher.Job, error) {
	q := jobSelectColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if principal != nil {
		q += ` AND principal=?`
		args = append(args, *principal)
	}
	if status != nil {
		q += ` AND status=?`
		args = append(args, status.String())
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryJobs(ctx, q, args...)
}

func (s *Store) queryJobs(ctx context.Context, q string, args ...any) ([]*dispatcher.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []*dispatcher.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*dispatcher.Job, error) {
	var (
		id, principal, status, competitionTag, projectTag, codePath string
		node, declaredBudget                                        int
		remotePID, exitStatus                                       sql.NullInt64
		stdout, stderr, resultFile                                  []byte
		failureReason                                               sql.NullString
		createdAt, updatedAt                                        time.Time
		startedAt, finishedAt                                       sql.NullTime
	)
	if err := row.Scan(&id, &principal, &node, &declaredBudget, &status, &remotePID, &stdout, &stderr, &resultFile,
		&exitStatus, &failureReason, &competitionTag, &projectTag, &codePath, &createdAt, &updatedAt, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j := &dispatcher.Job{
		ID:                    id,
		Principal:             principal,
		Node:                  node,
		DeclaredBudgetSeconds: declaredBudget,
		Status:                dispatcher.JobStatus(status),
		Stdout:                stdout,
		Stderr:                stderr,
		ResultFile:            resultFile,
		CompetitionTag:        competitionTag,
		ProjectTag:            projectTag,
		CodePath:              codePath,
		CreatedAt:             createdAt.UTC(),
		UpdatedAt:             updatedAt.UTC(),
	}
	if remotePID.Valid {
		v := int(remotePID.Int64)
		j.RemotePID = &v
	}
	if exitStatus.Valid {
		v := int(exitStatus.Int64)
		j.ExitStatus = &v
	}
	if failureReason.Valid {
		v := failureReason.String
		j.FailureReason = &v
	}
	if startedAt.Valid {
		v := startedAt.Time.UTC()
		j.StartedAt = &v
	}
	if finishedAt.Valid {
		v := finishedAt.Time.UTC()
		j.FinishedAt = &v
	}
	return j, nil
}

func (s *Store) getJobByIDTx(ctx context.Context, tx *sql.Tx, id string) (*dispatcher.Job, error) {
	const q = jobSelectColumns + ` FROM jobs WHERE id=?`
	row := tx.QueryRowContext(ctx, q, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// --------------- Jobs: transitions ---------------

// JobUpdate carries only the fields a caller wants to change; nil
// fields are left untouched.
type JobUpdate struct {
	Status        *dispatcher.JobStatus
	RemotePID     *int
	Stdout        []byte
	StdoutSet     bool
	Stderr        []byte
	StderrSet     bool
	ResultFile    []byte
	ResultFileSet bool
	ExitStatus    *int
	FailureReason *string
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// UpdateJobFields applies a partial update to one job row.
func (s *Store) UpdateJobFields(ctx context.Context, id string, u JobUpdate) error {
	sets := []string{"updated_at=?"}
	args := []any{time.Now().UTC()}

	if u.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, u.Status.String())
	}
	if u.RemotePID != nil {
		sets = append(sets, "remote_pid=?")
		args = append(args, *u.RemotePID)
	}
	if u.StdoutSet {
		sets = append(sets, "stdout=?")
		args = append(args, u.Stdout)
	}
	if u.StderrSet {
		sets = append(sets, "stderr=?")
		args = append(args, u.Stderr)
	}
	if u.ResultFileSet {
		sets = append(sets, "result_file=?")
		args = append(args, u.ResultFile)
	}
	if u.ExitStatus != nil {
		sets = append(sets, "exit_status=?")
		args = append(args, *u.ExitStatus)
	}
	if u.FailureReason != nil {
		sets = append(sets, "failure_reason=?")
		args = append(args, *u.FailureReason)
	}
	if u.StartedAt != nil {
		sets = append(sets, "started_at=?")
		args = append(args, u.StartedAt.UTC())
	}
	if u.FinishedAt != nil {
		sets = append(sets, "finished_at=?")
		args = append(args, u.FinishedAt.UTC())
	}

	q := "UPDATE jobs SET "
	for i, set := range sets {
		if i > 0 {
			q += ", "
		}
		q += set
	}
	q += " WHERE id=?"
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update job fields: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --------------- Credentials ---------------

// InsertCredential deactivates any existing credentials for the
// principal and inserts the new one, atomically, so a principal never
// has more than one active credential at a time.
func (s *Store) InsertCredential(ctx context.Context, c dispatcher.Credential) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		const deact = `UPDATE credentials SET active=0 WHERE principal=? AND active=1`
		if _, err := tx.ExecContext(ctx, deact, c.Principal); err != nil {
			return fmt.Errorf("deactivate prior credentials: %w", err)
		}
		const ins = `INSERT INTO credentials(id, principal, secret_hash, is_admin, created_at, expires_at, active)
VALUES(?, ?, ?, ?, ?, ?, 1);`
		_, err := tx.ExecContext(ctx, ins, c.ID, c.Principal, c.SecretHash, c.IsAdmin, c.CreatedAt.UTC(), c.ExpiresAt.UTC())
		if err != nil {
			return fmt.Errorf("insert credential: %w", err)
		}
		return nil
	})
}

// LookupCredentialByHash returns the active credential matching hash, or ErrNotFound.
func (s *Store) LookupCredentialByHash(ctx context.Context, hash []byte) (*dispatcher.Credential, error) {
	const q = `SELECT id, principal, secret_hash, is_admin, created_at, expires_at, active FROM credentials WHERE secret_hash=? AND active=1`
	var c dispatcher.Credential
	err := s.db.QueryRowContext(ctx, q, hash).Scan(&c.ID, &c.Principal, &c.SecretHash, &c.IsAdmin, &c.CreatedAt, &c.ExpiresAt, &c.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.ExpiresAt = c.ExpiresAt.UTC()
	return &c, nil
}

// DeactivateCredentialsForPrincipal revokes every active credential for a principal.
func (s *Store) DeactivateCredentialsForPrincipal(ctx context.Context, principal string) error {
	const upd = `UPDATE credentials SET active=0 WHERE principal=? AND active=1`
	_, err := s.db.ExecContext(ctx, upd, principal)
	return err
}
