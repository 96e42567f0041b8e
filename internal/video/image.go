package video

import (
	"context"
	"image"
	"io"
	"sync"

	"github.com/banshee-data/crowdwatch/internal/overlay"
)

// ImageFrame is a Frame backed by an in-memory RGBA image.
type ImageFrame struct {
	*overlay.ImageCanvas
}

// NewImageFrame allocates a blank frame.
func NewImageFrame(size image.Point) *ImageFrame {
	return &ImageFrame{ImageCanvas: overlay.NewImageCanvas(size.X, size.Y)}
}

// Image returns the backing image.
func (f *ImageFrame) Image() (image.Image, error) { return f.Img, nil }

// Close is a no-op.
func (f *ImageFrame) Close() error { return nil }

// SyntheticSource produces a fixed number of blank frames. It stands in for
// a decoded video when detections come from a replay file.
type SyntheticSource struct {
	frames int
	fps    float64
	size   image.Point
	live   bool

	mu     sync.Mutex
	read   int
	closed bool
}

// NewSyntheticSource creates a source of n blank frames. A zero fps marks
// the source as live.
func NewSyntheticSource(n int, fps float64, size image.Point) *SyntheticSource {
	return &SyntheticSource{frames: n, fps: fps, size: size, live: fps <= 0}
}

// Read returns the next blank frame or io.EOF.
func (s *SyntheticSource) Read(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.read >= s.frames {
		return nil, io.EOF
	}
	s.read++
	return NewImageFrame(s.size), nil
}

func (s *SyntheticSource) FPS() float64 { return s.fps }

func (s *SyntheticSource) FrameCount() int {
	if s.live {
		return 0
	}
	return s.frames
}

func (s *SyntheticSource) Live() bool { return s.live }

func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// CountingEncoder discards frames and counts them. It is used when no
// video output is wanted.
type CountingEncoder struct {
	mu     sync.Mutex
	frames int
	closed bool
}

// Write counts f.
func (e *CountingEncoder) Write(f Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.frames++
	return nil
}

// Frames returns the number of frames written.
func (e *CountingEncoder) Frames() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

func (e *CountingEncoder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}
