package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertJob enqueues a one-shot job, replacing any job with the same key.
func (s *Store) UpsertJob(ctx context.Context, key, taskID string, runAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO scheduled_jobs (job_key, task_id, run_at, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(job_key) DO UPDATE SET task_id = excluded.task_id, run_at = excluded.run_at`,
		key, taskID, runAt.UTC(), s.now())
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", key, err)
	}
	return nil
}

// DeleteJob removes a queued job. Missing keys are a no-op.
func (s *Store) DeleteJob(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE job_key = ?`, key); err != nil {
		return fmt.Errorf("delete job %s: %w", key, err)
	}
	return nil
}

// ClaimDueJobs removes and returns up to limit jobs with run_at <= now, earliest first.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT job_key, task_id, run_at, created_at FROM scheduled_jobs
			WHERE run_at <= ? ORDER BY run_at, rowid LIMIT ?`, now.UTC(), limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			var j Job
			if err := rows.Scan(&j.Key, &j.TaskID, &j.RunAt, &j.CreatedAt); err != nil {
				rows.Close()
				return err
			}
			jobs = append(jobs, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, j := range jobs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE job_key = ?`, j.Key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	return jobs, nil
}

// ListJobs returns all queued jobs, earliest first.
func (s *Store) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_key, task_id, run_at, created_at FROM scheduled_jobs ORDER BY run_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.Key, &j.TaskID, &j.RunAt, &j.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
