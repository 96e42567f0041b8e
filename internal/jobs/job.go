// Package jobs tracks analysis jobs from submission to completion and runs
// them on a fixed pool of workers.
package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/crowdwatch/internal/pipeline"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrNotFound  = errors.New("job not found")
	ErrQueueFull = errors.New("job queue is full")
	ErrTerminal  = errors.New("job already finished")
	ErrClosed    = errors.New("registry is shut down")
)

// Job is the externally visible record of one analysis request.
type Job struct {
	ID            string           `json:"job_id"`
	Status        Status           `json:"status"`
	Progress      int              `json:"progress"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	FailedAt      *time.Time       `json:"failed_at,omitempty"`
	VideoFilename string           `json:"video_filename"`
	Options       pipeline.Options `json:"options"`
	Result        *pipeline.Result `json:"result,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// clone returns a copy that shares no pointers with j.
func (j Job) clone() Job {
	out := j
	out.StartedAt = copyTime(j.StartedAt)
	out.CompletedAt = copyTime(j.CompletedAt)
	out.FailedAt = copyTime(j.FailedAt)
	if j.Result != nil {
		res := *j.Result
		res.ReportErrors = append([]string(nil), j.Result.ReportErrors...)
		out.Result = &res
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NewID returns a job identifier of the form job_YYYYMMDD_HHMMSS_xxxxxxxx.
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("job_%s_%s", now.Format("20060102_150405"), suffix)
}
