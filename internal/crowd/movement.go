package crowd

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"
)

// DefaultMovementWindow is the number of most recent positions kept per
// track, matching the ten position columns of the movement log.
const DefaultMovementWindow = 10

// MovementSink receives finalized movement records.
type MovementSink interface {
	WriteMovement(MovementRecord) error
}

// MovementSinkFunc adapts a function to MovementSink.
type MovementSinkFunc func(MovementRecord) error

// WriteMovement calls f(rec).
func (f MovementSinkFunc) WriteMovement(rec MovementRecord) error { return f(rec) }

type openTrack struct {
	entry     int
	positions []r2.Vec
}

// MovementRecorder accumulates the recent positions of every confirmed
// track and emits exactly one MovementRecord per track, either when the
// tracker expires it or when the stream finishes.
type MovementRecorder struct {
	window    int
	sink      MovementSink
	open      map[int]*openTrack
	finalized map[int]bool
}

// NewMovementRecorder creates a recorder keeping window positions per
// track. A non-positive window selects DefaultMovementWindow.
func NewMovementRecorder(window int, sink MovementSink) *MovementRecorder {
	if window <= 0 {
		window = DefaultMovementWindow
	}
	return &MovementRecorder{
		window:    window,
		sink:      sink,
		open:      make(map[int]*openTrack),
		finalized: make(map[int]bool),
	}
}

// Observe appends the current centroid of each confirmed person present
// in frame.
func (m *MovementRecorder) Observe(frame int, persons []TrackedPerson) {
	for _, p := range persons {
		if !p.Confirmed || m.finalized[p.ID] {
			continue
		}
		t, ok := m.open[p.ID]
		if !ok {
			entry := p.ConfirmedAt
			if entry <= 0 {
				entry = frame
			}
			t = &openTrack{entry: entry, positions: make([]r2.Vec, 0, m.window)}
			m.open[p.ID] = t
		}
		if len(t.positions) == m.window {
			copy(t.positions, t.positions[1:])
			t.positions = t.positions[:m.window-1]
		}
		t.positions = append(t.positions, p.Latest())
	}
}

// Expire finalizes the given tracks with exit index frame. IDs that were
// never confirmed, or are already finalized, are ignored.
func (m *MovementRecorder) Expire(frame int, ids []int) error {
	for _, id := range ids {
		if err := m.finalize(id, frame); err != nil {
			return err
		}
	}
	return nil
}

// Finish force-finalizes every open track with exit index finalFrame.
// Records are emitted in track ID order.
func (m *MovementRecorder) Finish(finalFrame int) error {
	ids := make([]int, 0, len(m.open))
	for id := range m.open {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return m.Expire(finalFrame, ids)
}

// OpenTracks returns the number of tracks not yet finalized.
func (m *MovementRecorder) OpenTracks() int {
	return len(m.open)
}

// Finalized returns the number of records emitted so far.
func (m *MovementRecorder) Finalized() int {
	return len(m.finalized)
}

func (m *MovementRecorder) finalize(id, exit int) error {
	t, ok := m.open[id]
	if !ok {
		return nil
	}
	delete(m.open, id)
	m.finalized[id] = true

	positions := make([]r2.Vec, len(t.positions))
	copy(positions, t.positions)
	rec := MovementRecord{
		TrackID:    id,
		EntryIndex: t.entry,
		ExitIndex:  exit,
		Positions:  positions,
	}
	if m.sink == nil {
		return nil
	}
	if err := m.sink.WriteMovement(rec); err != nil {
		return fmt.Errorf("recording movement of track %d: %w", id, err)
	}
	return nil
}
