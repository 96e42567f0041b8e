// Package video defines the frame source and encoder boundary of the
// analysis pipeline, plus in-memory implementations used by replays and
// tests.
package video

import (
	"context"
	"errors"
	"image"

	"github.com/banshee-data/crowdwatch/internal/overlay"
)

// ErrClosed is returned by operations on a closed source or encoder.
var ErrClosed = errors.New("video: closed")

// Frame is one decoded frame. It doubles as the overlay canvas so
// annotations are drawn in place before encoding.
type Frame interface {
	overlay.Canvas
	// Image returns a Go image view of the frame, used for previews and
	// out-of-process detectors.
	Image() (image.Image, error)
	Close() error
}

// Source yields frames sequentially. Read returns io.EOF once exhausted.
type Source interface {
	Read(ctx context.Context) (Frame, error)
	// FPS is the container frame rate, or 0 for live sources.
	FPS() float64
	// FrameCount is the number of frames when known, else 0.
	FrameCount() int
	Live() bool
	Close() error
}

// Encoder writes annotated frames to the output video.
type Encoder interface {
	Write(Frame) error
	Close() error
}

// Opener opens a source for a path or device URL.
type Opener func(path string) (Source, error)

// EncoderFactory creates an encoder once the first frame size is known.
type EncoderFactory func(path string, fps float64, size image.Point) (Encoder, error)
