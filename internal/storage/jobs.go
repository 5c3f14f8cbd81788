package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// JobTypeEmbedItem asks the worker to (re)generate one item's embedding.
const JobTypeEmbedItem = "embed_item"

const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

const (
	defaultMaxAttempts = 3
	// A failed attempt n is retried after 2^n seconds.
	retryBase = time.Second
)

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

// scanJob reads one row selected with jobColumns.
func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var (
		j                              Job
		runAfter, createdAt, updatedAt string
		lastError                      sql.NullString
	)
	err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError)
	if err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	for _, f := range []struct {
		raw string
		dst *time.Time
	}{{runAfter, &j.RunAfter}, {createdAt, &j.CreatedAt}, {updatedAt, &j.UpdatedAt}} {
		if *f.dst, err = parseTime(f.raw); err != nil {
			return Job{}, fmt.Errorf("job %s: %w", j.ID, err)
		}
	}
	return j, nil
}

// EnqueueJob adds a pending job. A zero RunAfter means now and a zero
// MaxAttempts means three.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := s.now()
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, JobPending, job.MaxAttempts,
		formatTime(job.RunAfter), formatTime(now), formatTime(now),
	)
	return err
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ClaimNextJob moves the oldest due pending job of one of types to running
// and returns it, or returns nil when nothing is due.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	args := append([]any{JobPending, formatTime(now)}, stringArgs(types)...)
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND run_after <= ? AND type IN (`+placeholders(len(types))+`)
		ORDER BY run_after, created_at
		LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		JobRunning, formatTime(now), j.ID); err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", j.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobRunning
	j.UpdatedAt = now
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		JobCompleted, formatTime(s.now()), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job goes back to pending with an
// exponential delay until it has used max_attempts, then it stays failed.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := s.now()
	attempts++
	status, runAfter := JobFailed, now
	if attempts < maxAttempts {
		status, runAfter = JobPending, now.Add(retryBase<<attempts)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs
		SET status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ?
		WHERE id = ?`,
		status, attempts, errMsg, formatTime(runAfter), formatTime(now), id); err != nil {
		return err
	}
	return tx.Commit()
}
