// Package pipeline runs one analysis job: it reads frames from a video
// source, obtains tracked persons from the detector+tracker, feeds the
// crowd analytics engine, draws the overlay, encodes the annotated video
// and records the event and movement logs. Frames are processed strictly
// in order; nothing is shared between jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/crowdwatch/internal/config"
	"github.com/banshee-data/crowdwatch/internal/crowd"
	"github.com/banshee-data/crowdwatch/internal/detect"
	"github.com/banshee-data/crowdwatch/internal/report"
	"github.com/banshee-data/crowdwatch/internal/timeutil"
	"github.com/banshee-data/crowdwatch/internal/video"
)

var (
	// ErrEmptySource is returned when a source yields no frames.
	ErrEmptySource = errors.New("video source has no readable frames")
	// ErrNoTracker is returned when a job has neither a detection replay
	// nor a configured tracker.
	ErrNoTracker = errors.New("no detector+tracker configured")
)

// Options are the per-request analysis toggles.
type Options struct {
	SocialDistance    bool `json:"social_distance"`
	AbnormalDetection bool `json:"abnormal_detection"`
	RestrictedEntry   bool `json:"restricted_entry"`
}

// Input names what to analyse.
type Input struct {
	// Path is a video file or a live device/stream URL.
	Path string `json:"path"`
	// Filename is the name the video was uploaded as.
	Filename string `json:"filename"`
	// Detections optionally points at a JSON lines detection recording
	// that replaces the live detector+tracker for this job.
	Detections string `json:"detections,omitempty"`
}

// JobSpec is one unit of work handed to Run.
type JobSpec struct {
	ID      string
	Input   Input
	Options Options
}

// Result describes a completed run.
type Result struct {
	OutputDir string         `json:"output_dir"`
	Frames    int            `json:"frames"`
	FPS       float64        `json:"fps"`
	Live      bool           `json:"live"`
	Summary   report.Summary `json:"summary"`
	// ReportErrors lists plots or charts that could not be produced.
	ReportErrors []string `json:"report_errors,omitempty"`
}

// FrameObserver receives every analysed frame of a job, for example to
// publish alerts. Implementations must not block the frame loop for long.
type FrameObserver interface {
	ObserveFrame(jobID string, res crowd.FrameResult)
	FinishJob(jobID string)
}

// EventStore persists a job's event log alongside the CSV.
type EventStore interface {
	SaveEvents(ctx context.Context, jobID string, events []crowd.CrowdEvent) error
}

// Runner holds the collaborators shared by every job. A Runner is safe for
// concurrent use; all per-job state lives inside Run.
type Runner struct {
	Config *config.AnalyticsConfig
	// Open opens the video source for an input path.
	Open video.Opener
	// NewEncoder creates the annotated video writer. Nil discards frames.
	NewEncoder video.EncoderFactory
	// Trackers creates a tracker for jobs without a detection replay.
	Trackers detect.Factory
	// OutputRoot is the parent of every job output directory.
	OutputRoot string
	Clock      timeutil.Clock

	Preview   *video.PreviewHub
	Observers []FrameObserver
	Events    EventStore
	// SkipReports disables plots and charts.
	SkipReports bool
}

func (r *Runner) clock() timeutil.Clock {
	if r.Clock == nil {
		return timeutil.RealClock{}
	}
	return r.Clock
}

func (r *Runner) cfg() *config.AnalyticsConfig {
	if r.Config == nil {
		return config.EmptyAnalyticsConfig()
	}
	return r.Config
}

// Validate checks that in can be analysed: a detection recording parses or
// a tracker is available, and the source opens and yields at least one
// frame. It is cheap enough to run on the request path.
func (r *Runner) Validate(in Input) error {
	if in.Path == "" {
		return errors.New("no video path")
	}
	if in.Detections != "" {
		if _, err := detect.LoadReplay(in.Detections, detect.Params{}); err != nil {
			return fmt.Errorf("invalid detections: %w", err)
		}
	} else if r.Trackers == nil {
		return ErrNoTracker
	}
	if r.Open == nil {
		return errors.New("no video opener configured")
	}
	src, err := r.Open(in.Path)
	if err != nil {
		return fmt.Errorf("unreadable video: %w", err)
	}
	defer src.Close()

	f, err := src.Read(context.Background())
	if errors.Is(err, io.EOF) {
		return ErrEmptySource
	}
	if err != nil {
		return fmt.Errorf("unreadable video: %w", err)
	}
	return f.Close()
}

func (r *Runner) tracker(ctx context.Context, spec JobSpec) (detect.Tracker, error) {
	p := detect.Params{MaxAge: r.cfg().GetTrackMaxAge()}
	if spec.Input.Detections != "" {
		return detect.LoadReplay(spec.Input.Detections, p)
	}
	if r.Trackers == nil {
		return nil, ErrNoTracker
	}
	return r.Trackers(ctx, spec.ID, spec.Input.Path, p)
}
