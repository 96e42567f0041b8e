package detect

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/crowdwatch/internal/crowd"
	"github.com/banshee-data/crowdwatch/internal/video"
)

// ReplayFrame is one line of a detection recording.
type ReplayFrame struct {
	Frame   int            `json:"frame"`
	Persons []ReplayPerson `json:"persons"`
}

// ReplayPerson is one tracked detection in a recording.
type ReplayPerson struct {
	ID  int        `json:"id"`
	Box [4]float64 `json:"box"`
	// Confirmed defaults to true when omitted.
	Confirmed *bool `json:"confirmed,omitempty"`
}

// ReplayTracker plays back detections recorded as JSON lines, one
// ReplayFrame per line. It keeps centroid history per track and reports a
// track as expired after it has been missing for MaxAge frames.
type ReplayTracker struct {
	frames map[int]ReplayFrame
	last   int
	maxAge int

	history map[int][]r2.Vec
	seen    map[int]int
	confAt  map[int]int
}

// LoadReplay reads a JSON lines recording.
func LoadReplay(path string, p Params) (*ReplayTracker, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening replay: %w", err)
	}
	defer f.Close()

	rt := newReplayTracker(p)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rf ReplayFrame
		if err := json.Unmarshal(sc.Bytes(), &rf); err != nil {
			return nil, fmt.Errorf("replay line %d: %w", line, err)
		}
		rt.add(rf)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading replay: %w", err)
	}
	if len(rt.frames) == 0 {
		return nil, ErrEmptyReplay
	}
	return rt, nil
}

// NewReplayTracker builds a tracker from in-memory frames.
func NewReplayTracker(frames []ReplayFrame, p Params) *ReplayTracker {
	rt := newReplayTracker(p)
	for _, f := range frames {
		rt.add(f)
	}
	return rt
}

func newReplayTracker(p Params) *ReplayTracker {
	maxAge := p.MaxAge
	if maxAge <= 0 {
		maxAge = 3
	}
	return &ReplayTracker{
		frames:  make(map[int]ReplayFrame),
		maxAge:  maxAge,
		history: make(map[int][]r2.Vec),
		seen:    make(map[int]int),
		confAt:  make(map[int]int),
	}
}

func (rt *ReplayTracker) add(f ReplayFrame) {
	rt.frames[f.Frame] = f
	if f.Frame > rt.last {
		rt.last = f.Frame
	}
}

// Frames returns the highest recorded frame index.
func (rt *ReplayTracker) Frames() int { return rt.last }

// Track returns the recorded persons for index. Frames missing from the
// recording, including any past its last line, yield no persons; tracks
// still expire after MaxAge such frames.
func (rt *ReplayTracker) Track(ctx context.Context, index int, _ video.Frame) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var res Result
	rf := rt.frames[index]
	for _, rp := range rf.Persons {
		box := crowd.BBox{X1: rp.Box[0], Y1: rp.Box[1], X2: rp.Box[2], Y2: rp.Box[3]}
		rt.history[rp.ID] = append(rt.history[rp.ID], box.Center())
		rt.seen[rp.ID] = index

		confirmed := rp.Confirmed == nil || *rp.Confirmed
		if confirmed {
			if _, ok := rt.confAt[rp.ID]; !ok {
				rt.confAt[rp.ID] = index
			}
		}
		res.Persons = append(res.Persons, crowd.TrackedPerson{
			ID:          rp.ID,
			Box:         box,
			Positions:   rt.history[rp.ID],
			Confirmed:   confirmed,
			ConfirmedAt: rt.confAt[rp.ID],
		})
	}

	for id, at := range rt.seen {
		if index-at > rt.maxAge {
			res.Expired = append(res.Expired, id)
			delete(rt.seen, id)
			delete(rt.history, id)
			delete(rt.confAt, id)
		}
	}
	sort.Ints(res.Expired)
	return res, nil
}

// Close is a no-op.
func (rt *ReplayTracker) Close() error { return nil }
