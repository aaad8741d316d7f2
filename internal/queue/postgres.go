package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production Store backend: connection-pool setup,
// schema creation, and prepared statements over pgx/v5's native
// pgxpool.Pool (used instead of database/sql because the claim query
// needs FOR UPDATE SKIP LOCKED plus RETURNING, pgx's common case).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against connString and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("queue: open pool: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.createTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Pool exposes the underlying connection pool so callers can share it
// with other Postgres-backed stores (e.g. PostgresOverrideStore)
// instead of opening a second pool against the same database.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id                 UUID PRIMARY KEY,
	workflow_id            TEXT,
	workflow_blob          JSONB,
	inputs                 JSONB NOT NULL DEFAULT '{}',
	priority                INT NOT NULL DEFAULT 0,
	state                  TEXT NOT NULL,
	assigned_robot_id      UUID,
	lease_expires_at      TIMESTAMPTZ,
	claimed_at             TIMESTAMPTZ,
	started_at             TIMESTAMPTZ,
	finished_at            TIMESTAMPTZ,
	attempt_count          INT NOT NULL DEFAULT 0,
	max_attempts           INT NOT NULL DEFAULT 1,
	required_capabilities JSONB NOT NULL DEFAULT '[]',
	tenant_id              TEXT,
	result                 JSONB,
	error_kind             TEXT,
	error_message          TEXT,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (state, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_jobs_robot_state ON jobs (assigned_robot_id, state);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs (lease_expires_at) WHERE state IN ('CLAIMED', 'RUNNING', 'PAUSED');
`

func (s *PostgresStore) createTables(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("queue: create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, job *Job) error {
	capsJSON, err := json.Marshal(capabilitySlice(job.RequiredCapabilities))
	if err != nil {
		return fmt.Errorf("queue: marshal required capabilities: %w", err)
	}
	inputsJSON, err := json.Marshal(job.Inputs)
	if err != nil {
		return fmt.Errorf("queue: marshal inputs: %w", err)
	}
	state := job.State
	if state == "" {
		state = StateQueued
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (
			job_id, workflow_id, workflow_blob, inputs, priority, state,
			required_capabilities, tenant_id, max_attempts, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, job.JobID, job.WorkflowID, job.WorkflowBlob, inputsJSON, job.Priority, state,
		capsJSON, job.TenantID, maxAttempts, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	NotifyEnqueued(ctx, s.pool)
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	return scanJob(row)
}

func (s *PostgresStore) UpdateState(ctx context.Context, jobID string, newState State, at time.Time) error {
	var setStarted, setFinished string
	if newState == StateRunning {
		setStarted = `, started_at = COALESCE(started_at, $3)`
	}
	if newState.Terminal() {
		setFinished = `, finished_at = $3, assigned_robot_id = NULL, lease_expires_at = NULL`
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2`+setStarted+setFinished+`
		WHERE job_id = $1 AND state NOT IN ('SUCCEEDED','FAILED','CANCELLED','TIMED_OUT')
	`, jobID, newState, at)
	if err != nil {
		return fmt.Errorf("queue: update state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.rowsAffectedErr(ctx, jobID)
	}
	return nil
}

// Claim runs a SKIP LOCKED query that locks the single
// highest-priority, oldest eligible QUEUED job so no two concurrent
// claimants can select the same row.
func (s *PostgresStore) Claim(ctx context.Context, robotID string, capabilities map[string]bool, leaseTTL time.Duration, at time.Time) (*Job, error) {
	capsJSON, err := json.Marshal(capabilitySlice(capabilities))
	if err != nil {
		return nil, fmt.Errorf("queue: marshal capabilities: %w", err)
	}
	lease := at.Add(leaseTTL)

	row := s.pool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT job_id FROM jobs
			WHERE state = 'QUEUED'
			  AND required_capabilities <@ $2::jsonb
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs SET
			state = 'CLAIMED',
			assigned_robot_id = $1,
			claimed_at = $3,
			lease_expires_at = $4,
			attempt_count = attempt_count + 1
		FROM candidate
		WHERE jobs.job_id = candidate.job_id
		RETURNING `+qualifiedJobColumns,
		robotID, capsJSON, at, lease,
	)
	return scanJob(row)
}

func (s *PostgresStore) RenewLease(ctx context.Context, jobID, robotID string, leaseTTL time.Duration, at time.Time) error {
	lease := at.Add(leaseTTL)
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = $3
		WHERE job_id = $1 AND assigned_robot_id = $2
	`, jobID, robotID, lease)
	if err != nil {
		return fmt.Errorf("queue: renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReclaimExpired implements the reaper query: every job whose lease
// has expired either returns to QUEUED (incrementing attempt-count
// implicitly handled by the next Claim) or terminates with
// LEASE_EXPIRED once max-attempts is reached.
func (s *PostgresStore) ReclaimExpired(ctx context.Context, at time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET
			state = CASE WHEN attempt_count >= max_attempts THEN 'FAILED' ELSE 'QUEUED' END,
			error_kind = CASE WHEN attempt_count >= max_attempts THEN 'LEASE_EXPIRED' ELSE error_kind END,
			error_message = CASE WHEN attempt_count >= max_attempts THEN 'lease expired past max attempts' ELSE error_message END,
			finished_at = CASE WHEN attempt_count >= max_attempts THEN $1 ELSE finished_at END,
			assigned_robot_id = NULL,
			lease_expires_at = NULL
		WHERE state IN ('CLAIMED', 'RUNNING', 'PAUSED') AND lease_expires_at < $1
		RETURNING job_id
	`, at)
	if err != nil {
		return nil, fmt.Errorf("queue: reclaim expired: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("queue: scan reclaimed id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: reclaim expired rows: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *PostgresStore) Cancel(ctx context.Context, jobID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = 'CANCELLED', finished_at = $2, assigned_robot_id = NULL, lease_expires_at = NULL
		WHERE job_id = $1 AND state NOT IN ('SUCCEEDED','FAILED','CANCELLED','TIMED_OUT')
	`, jobID, at)
	if err != nil {
		return fmt.Errorf("queue: cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.rowsAffectedErr(ctx, jobID)
	}
	return nil
}

func (s *PostgresStore) RecordResult(ctx context.Context, jobID string, state State, result []byte, jobErr *JobError, at time.Time) error {
	var kind, msg *string
	if jobErr != nil {
		kind, msg = &jobErr.Kind, &jobErr.Message
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			state = $2, result = $3, error_kind = $4, error_message = $5,
			finished_at = $6, assigned_robot_id = NULL, lease_expires_at = NULL
		WHERE job_id = $1 AND state NOT IN ('SUCCEEDED','FAILED','CANCELLED','TIMED_OUT')
	`, jobID, state, result, kind, msg, at)
	if err != nil {
		return fmt.Errorf("queue: record result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.rowsAffectedErr(ctx, jobID)
	}
	return nil
}

// rowsAffectedErr distinguishes "job not found" from "job is terminal"
// when an UPDATE's WHERE clause matches zero rows.
func (s *PostgresStore) rowsAffectedErr(ctx context.Context, jobID string) error {
	if _, err := s.Get(ctx, jobID); err != nil {
		return err
	}
	return ErrAlreadyTerminal
}

const jobColumns = `job_id, workflow_id, workflow_blob, inputs, priority, state,
	assigned_robot_id, lease_expires_at, claimed_at, started_at, finished_at,
	attempt_count, max_attempts, required_capabilities, tenant_id, result,
	error_kind, error_message, created_at`

const qualifiedJobColumns = `jobs.job_id, jobs.workflow_id, jobs.workflow_blob, jobs.inputs, jobs.priority, jobs.state,
	jobs.assigned_robot_id, jobs.lease_expires_at, jobs.claimed_at, jobs.started_at, jobs.finished_at,
	jobs.attempt_count, jobs.max_attempts, jobs.required_capabilities, jobs.tenant_id, jobs.result,
	jobs.error_kind, jobs.error_message, jobs.created_at`

// rowScanner is satisfied by both pgx.Row (QueryRow) and pgx.Rows
// (Query), letting scanJob serve both call shapes.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var workflowBlob, inputsJSON, capsJSON, result []byte
	var errKind, errMsg *string

	err := row.Scan(
		&j.JobID, &j.WorkflowID, &workflowBlob, &inputsJSON, &j.Priority, &j.State,
		&j.AssignedRobotID, &j.LeaseExpiresAt, &j.ClaimedAt, &j.StartedAt, &j.FinishedAt,
		&j.AttemptCount, &j.MaxAttempts, &capsJSON, &j.TenantID, &result,
		&errKind, &errMsg, &j.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: scan job: %w", err)
	}

	j.WorkflowBlob = workflowBlob
	j.Result = result
	if len(inputsJSON) > 0 {
		_ = json.Unmarshal(inputsJSON, &j.Inputs)
	}
	if len(capsJSON) > 0 {
		var caps []string
		_ = json.Unmarshal(capsJSON, &caps)
		j.RequiredCapabilities = make(map[string]bool, len(caps))
		for _, c := range caps {
			j.RequiredCapabilities[c] = true
		}
	}
	if errKind != nil {
		j.Error = &JobError{Kind: *errKind, Message: derefOr(errMsg, "")}
	}
	return &j, nil
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

func capabilitySlice(caps map[string]bool) []string {
	out := make([]string, 0, len(caps))
	for c := range caps {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

var _ Store = (*PostgresStore)(nil)
