package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/crowdwatch/internal/jobs"
	"github.com/banshee-data/crowdwatch/internal/pipeline"
)

// InterruptedError is recorded on jobs that were still queued or running
// when the previous process exited.
const InterruptedError = "interrupted by restart"

const jobColumns = `job_id, status, progress, video_filename, options_json, result_json,
	output_dir, error, created_at, started_at, completed_at, failed_at`

// SaveJob inserts or replaces the job record.
func (db *DB) SaveJob(ctx context.Context, j jobs.Job) error {
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("encoding options: %w", err)
	}
	var result sql.NullString
	outputDir := ""
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		result = sql.NullString{String: string(b), Valid: true}
		outputDir = j.Result.OutputDir
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			result_json = excluded.result_json,
			output_dir = excluded.output_dir,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			failed_at = excluded.failed_at
	`
	return db.retryOnBusy(func() error {
		_, err := db.ExecContext(ctx, query,
			j.ID, string(j.Status), j.Progress, j.VideoFilename, string(opts), result,
			outputDir, j.Error, formatTime(j.CreatedAt),
			nullTime(j.StartedAt), nullTime(j.CompletedAt), nullTime(j.FailedAt),
		)
		return err
	})
}

// GetJob loads one job, returning jobs.ErrNotFound when it does not exist.
func (db *DB) GetJob(ctx context.Context, id string) (jobs.Job, error) {
	row := db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return j, err
}

// ListJobs returns every stored job, oldest first.
func (db *DB) ListJobs(ctx context.Context) ([]jobs.Job, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, job_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// FailInterrupted marks every queued or processing job as failed. It runs
// at startup, before any new job is accepted, and returns the number of
// jobs changed.
func (db *DB) FailInterrupted(ctx context.Context) (int64, error) {
	now := formatTime(db.clock.Now())
	var n int64
	err := db.retryOnBusy(func() error {
		res, err := db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, error = ?, failed_at = ?
			WHERE status IN (?, ?)`,
			string(jobs.StatusFailed), InterruptedError, now,
			string(jobs.StatusQueued), string(jobs.StatusProcessing),
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (jobs.Job, error) {
	var (
		j                          jobs.Job
		status, opts, outputDir    string
		created                    string
		result                     sql.NullString
		started, completed, failed sql.NullString
	)
	if err := s.Scan(&j.ID, &status, &j.Progress, &j.VideoFilename, &opts, &result,
		&outputDir, &j.Error, &created, &started, &completed, &failed); err != nil {
		return jobs.Job{}, err
	}
	j.Status = jobs.Status(status)
	if err := json.Unmarshal([]byte(opts), &j.Options); err != nil {
		return jobs.Job{}, fmt.Errorf("job %s options: %w", j.ID, err)
	}
	if result.Valid {
		var res pipeline.Result
		if err := json.Unmarshal([]byte(result.String), &res); err != nil {
			return jobs.Job{}, fmt.Errorf("job %s result: %w", j.ID, err)
		}
		j.Result = &res
	}

	var err error
	if j.CreatedAt, err = parseTime(created); err != nil {
		return jobs.Job{}, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{{started, &j.StartedAt}, {completed, &j.CompletedAt}, {failed, &j.FailedAt}} {
		if !f.src.Valid {
			continue
		}
		t, err := parseTime(f.src.String)
		if err != nil {
			return jobs.Job{}, err
		}
		*f.dst = &t
	}
	return j, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
