package video

import (
	"bytes"
	"image/jpeg"
	"net/http"
	"sync"

	"github.com/hybridgroup/mjpeg"
)

// PreviewHub keeps one MJPEG stream per job so annotated frames can be
// watched while a job is processing.
type PreviewHub struct {
	mu      sync.RWMutex
	streams map[string]*mjpeg.Stream
	// Every publishes only every n-th frame to bound encode cost.
	every int
}

// NewPreviewHub creates a hub publishing one frame in every.
func NewPreviewHub(every int) *PreviewHub {
	if every < 1 {
		every = 1
	}
	return &PreviewHub{streams: make(map[string]*mjpeg.Stream), every: every}
}

// Publish encodes f as JPEG and pushes it to the job's stream, creating
// the stream on first use.
func (h *PreviewHub) Publish(jobID string, index int, f Frame) error {
	if index%h.every != 0 {
		return nil
	}
	img, err := f.Image()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return err
	}

	h.mu.Lock()
	s, ok := h.streams[jobID]
	if !ok {
		s = mjpeg.NewStream()
		h.streams[jobID] = s
	}
	h.mu.Unlock()

	s.UpdateJPEG(buf.Bytes())
	return nil
}

// Handler returns the stream for a job, or nil when nothing was published.
func (h *PreviewHub) Handler(jobID string) http.Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.streams[jobID]
	if !ok {
		return nil
	}
	return s
}

// Remove drops a job's stream once the job is terminal.
func (h *PreviewHub) Remove(jobID string) {
	h.mu.Lock()
	delete(h.streams, jobID)
	h.mu.Unlock()
}
