package crowd

import (
	"image"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r2"
)

// BBox is an axis-aligned bounding box in the pixel space of the current
// frame, (X1, Y1) top-left and (X2, Y2) bottom-right.
type BBox struct {
	X1, Y1, X2, Y2 float64
}

// Center returns the centre of the box.
func (b BBox) Center() r2.Vec {
	return r2.Vec{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Rect converts the box to integer pixel coordinates, truncating like the
// detector's integer casts.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

// Gap returns the shortest distance between the edges of two boxes, or 0
// when they overlap or touch.
func (b BBox) Gap(o BBox) float64 {
	dx := math.Max(0, math.Max(o.X1-b.X2, b.X1-o.X2))
	dy := math.Max(0, math.Max(o.Y1-b.Y2, b.Y1-o.Y2))
	if dx == 0 {
		return dy
	}
	if dy == 0 {
		return dx
	}
	return math.Hypot(dx, dy)
}

// TrackedPerson is one tracked detection in a frame. All fields are owned
// by the tracker; the analytics only read them.
type TrackedPerson struct {
	ID  int  `json:"id"`
	Box BBox `json:"box"`
	// Positions is the centroid history, oldest first.
	Positions []r2.Vec `json:"positions"`
	Confirmed bool     `json:"confirmed"`
	// ConfirmedAt is the frame index at which the tracker confirmed the
	// identity, 0 if unknown.
	ConfirmedAt int `json:"confirmed_at,omitempty"`
}

// Latest returns the most recent centroid, falling back to the box centre
// when no history has been recorded yet.
func (p TrackedPerson) Latest() r2.Vec {
	if n := len(p.Positions); n > 0 {
		return p.Positions[n-1]
	}
	return p.Box.Center()
}

// FrameContext is the analytics input for one frame.
type FrameContext struct {
	// Index is 1-based and strictly increasing.
	Index     int
	Timestamp time.Time
	Persons   []TrackedPerson
}

// CrowdEvent is the per-frame record appended to the event log.
type CrowdEvent struct {
	FrameIndex     int       `json:"frame_index"`
	Timestamp      time.Time `json:"time"`
	HumanCount     int       `json:"human_count"`
	ViolationCount int       `json:"violation_count"`
	Restricted     bool      `json:"restricted_entry"`
	Abnormal       bool      `json:"abnormal_activity"`
}

// MovementRecord is the finalized movement of one confirmed track.
type MovementRecord struct {
	TrackID    int      `json:"track_id"`
	EntryIndex int      `json:"entry_index"`
	ExitIndex  int      `json:"exit_index"`
	Positions  []r2.Vec `json:"positions"`
}
