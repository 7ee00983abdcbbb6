package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// EnqueueJobs inserts all jobs in one transaction. A zero RunAfter makes a
// job runnable immediately; a zero MaxAttempts means 3.
func (s *Store) EnqueueJobs(jobs []Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, job := range jobs {
		maxAttempts := job.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = 3
		}
		runAfter := now
		if !job.RunAfter.IsZero() {
			runAfter = job.RunAfter.UTC().Format(time.RFC3339)
		}
		if _, err := tx.Exec(`
			INSERT INTO jobs (id, batch_id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
			job.ID, job.BatchID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
		); err != nil {
			return fmt.Errorf("enqueueing job %s: %w", job.ID, err)
		}
	}
	return tx.Commit()
}

// ClaimNextJob moves the oldest runnable job of the given types to running.
// It returns nil when nothing is runnable.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, batch_id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error, result
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.BatchID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError, &j.Result,
	)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

// CompleteJob marks a job completed and records its outcome.
func (s *Store) CompleteJob(id, result string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', result = ?, updated_at = ? WHERE id = ?`, result, now, id)
	return expectOneRow(res, err)
}

// FailJob records a failed attempt. The job goes back to pending with an
// exponential backoff until max_attempts is reached.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

// RequeueRunningJobs returns jobs left running by a previous process to
// pending. It reports how many were requeued.
func (s *Store) RequeueRunningJobs() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', run_after = ?, updated_at = ? WHERE status = 'running'`, now, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DiscardJob fails a job permanently regardless of remaining attempts.
func (s *Store) DiscardJob(id string, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'failed', attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		errMsg, now, id)
	return expectOneRow(res, err)
}

// BatchSummary counts the jobs of a batch. Unknown batches yield ErrNotFound.
func (s *Store) BatchSummary(batchID string) (BatchSummary, error) {
	rows, err := s.db.Query(`SELECT status, result, COUNT(*) FROM jobs WHERE batch_id = ? GROUP BY status, result`, batchID)
	if err != nil {
		return BatchSummary{}, err
	}
	defer rows.Close()

	sum := BatchSummary{ID: batchID, Results: map[string]int{}}
	for rows.Next() {
		var status, result string
		var n int
		if err := rows.Scan(&status, &result, &n); err != nil {
			return BatchSummary{}, err
		}
		sum.Total += n
		switch status {
		case "pending", "running":
			sum.Pending += n
		case "failed":
			sum.Failed += n
		case "completed":
			sum.Completed += n
			if result != "" {
				sum.Results[result] += n
			}
		}
	}
	if err := rows.Err(); err != nil {
		return BatchSummary{}, err
	}
	if sum.Total == 0 {
		return BatchSummary{}, ErrNotFound
	}
	return sum, nil
}
