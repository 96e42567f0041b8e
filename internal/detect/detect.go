// Package detect is the boundary to the detector+tracker collaborator. The
// pipeline hands it one frame at a time and receives the tracked persons
// for that frame plus the identities whose tracks just ended.
package detect

import (
	"context"
	"errors"

	"github.com/banshee-data/crowdwatch/internal/crowd"
	"github.com/banshee-data/crowdwatch/internal/video"
)

// ErrEmptyReplay is returned when a detection recording holds no frames.
var ErrEmptyReplay = errors.New("detect: recording has no frames")

// Result is the tracker output for one frame.
type Result struct {
	Persons []crowd.TrackedPerson
	// Expired lists track IDs the tracker stopped confirming this frame.
	Expired []int
}

// Tracker detects and tracks persons frame by frame. A Tracker holds
// per-stream state and must see frames in order.
type Tracker interface {
	Track(ctx context.Context, index int, frame video.Frame) (Result, error)
	Close() error
}

// Params are the tracker settings carried from configuration.
type Params struct {
	// MaxAge is the number of missed frames before a track is dropped.
	MaxAge int
	// MinConfidence filters weak detections on trackers that support it.
	MinConfidence float64
}

// Factory creates a tracker for one job. input is the path of the video
// being analysed.
type Factory func(ctx context.Context, jobID, input string, p Params) (Tracker, error)
