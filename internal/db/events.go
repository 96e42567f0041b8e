package db

import (
	"context"
	"fmt"

	"github.com/banshee-data/crowdwatch/internal/crowd"
)

// SaveEvents replaces the stored event log of a job.
func (db *DB) SaveEvents(ctx context.Context, jobID string, events []crowd.CrowdEvent) error {
	return db.retryOnBusy(func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM crowd_events WHERE job_id = ?`, jobID); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO crowd_events (
				job_id, frame_index, ts, human_count, violation_count, restricted, abnormal
			) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, ev := range events {
			if _, err := stmt.ExecContext(ctx, jobID, ev.FrameIndex, formatTime(ev.Timestamp),
				ev.HumanCount, ev.ViolationCount, ev.Restricted, ev.Abnormal); err != nil {
				return fmt.Errorf("frame %d: %w", ev.FrameIndex, err)
			}
		}
		return tx.Commit()
	})
}

// ListEvents returns a job's events in frame order.
func (db *DB) ListEvents(ctx context.Context, jobID string) ([]crowd.CrowdEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT frame_index, ts, human_count, violation_count, restricted, abnormal
		FROM crowd_events WHERE job_id = ? ORDER BY frame_index`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []crowd.CrowdEvent
	for rows.Next() {
		var (
			ev crowd.CrowdEvent
			ts string
		)
		if err := rows.Scan(&ev.FrameIndex, &ts, &ev.HumanCount, &ev.ViolationCount, &ev.Restricted, &ev.Abnormal); err != nil {
			return nil, err
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
