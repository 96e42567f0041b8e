// Package artifacts writes the per-job output files: the crowd event log,
// the movement log and the video metadata record, and describes which of a
// job's files can be downloaded.
package artifacts

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/crowdwatch/internal/crowd"
)

// TimeLayout is the timestamp format used in the event log.
const TimeLayout = "2006-01-02 15:04:05.000000"

// EventHeader is the crowd event log header.
var EventHeader = []string{"time", "human_count", "violation_count", "restricted_entry", "abnormal_activity"}

// MovementHeader returns the movement log header for window positions,
// with x and y columns interleaved to match each row.
func MovementHeader(window int) []string {
	h := []string{"track_id", "entry_time", "exit_time"}
	for i := 1; i <= window; i++ {
		h = append(h, fmt.Sprintf("x%d", i), fmt.Sprintf("y%d", i))
	}
	return h
}

// EventWriter appends one row per processed frame.
type EventWriter struct {
	w    *csv.Writer
	rows int
}

// NewEventWriter writes the header to w.
func NewEventWriter(w io.Writer) (*EventWriter, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(EventHeader); err != nil {
		return nil, fmt.Errorf("writing event header: %w", err)
	}
	return &EventWriter{w: cw}, nil
}

// WriteEvent appends ev. Rows are flushed by Flush.
func (e *EventWriter) WriteEvent(ev crowd.CrowdEvent) error {
	row := []string{
		ev.Timestamp.Format(TimeLayout),
		strconv.Itoa(ev.HumanCount),
		strconv.Itoa(ev.ViolationCount),
		flag(ev.Restricted),
		flag(ev.Abnormal),
	}
	if err := e.w.Write(row); err != nil {
		return fmt.Errorf("writing event row %d: %w", e.rows+1, err)
	}
	e.rows++
	return nil
}

// Rows returns the number of event rows written.
func (e *EventWriter) Rows() int { return e.rows }

// Flush pushes buffered rows to the underlying writer.
func (e *EventWriter) Flush() error {
	e.w.Flush()
	return e.w.Error()
}

// MovementWriter implements crowd.MovementSink as CSV rows.
type MovementWriter struct {
	w      *csv.Writer
	window int
}

// NewMovementWriter writes the header for window positions to w.
func NewMovementWriter(w io.Writer, window int) (*MovementWriter, error) {
	if window <= 0 {
		window = crowd.DefaultMovementWindow
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(MovementHeader(window)); err != nil {
		return nil, fmt.Errorf("writing movement header: %w", err)
	}
	return &MovementWriter{w: cw, window: window}, nil
}

// WriteMovement writes rec, keeping its last window positions and padding
// the row with empty cells when fewer were recorded.
func (m *MovementWriter) WriteMovement(rec crowd.MovementRecord) error {
	pos := rec.Positions
	if len(pos) > m.window {
		pos = pos[len(pos)-m.window:]
	}
	row := make([]string, 3, 3+2*m.window)
	row[0] = strconv.Itoa(rec.TrackID)
	row[1] = strconv.Itoa(rec.EntryIndex)
	row[2] = strconv.Itoa(rec.ExitIndex)
	for _, p := range pos {
		row = append(row, formatCoord(p.X), formatCoord(p.Y))
	}
	for len(row) < 3+2*m.window {
		row = append(row, "")
	}
	if err := m.w.Write(row); err != nil {
		return fmt.Errorf("writing movement row for track %d: %w", rec.TrackID, err)
	}
	return nil
}

// Flush pushes buffered rows to the underlying writer.
func (m *MovementWriter) Flush() error {
	m.w.Flush()
	return m.w.Error()
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Logs bundles the two CSV logs of a job and their files.
type Logs struct {
	Events   *EventWriter
	Movement *MovementWriter

	files []*os.File
}

// CreateLogs creates crowd_data.csv and movement_data.csv in dir.
func CreateLogs(dir string, window int) (*Logs, error) {
	ef, err := os.Create(filepath.Join(dir, CrowdDataFile))
	if err != nil {
		return nil, fmt.Errorf("creating event log: %w", err)
	}
	mf, err := os.Create(filepath.Join(dir, MovementDataFile))
	if err != nil {
		ef.Close()
		return nil, fmt.Errorf("creating movement log: %w", err)
	}
	l := &Logs{files: []*os.File{ef, mf}}
	if l.Events, err = NewEventWriter(ef); err != nil {
		l.Close()
		return nil, err
	}
	if l.Movement, err = NewMovementWriter(mf, window); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Close flushes both logs and closes their files, returning the first
// error.
func (l *Logs) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if l.Events != nil {
		keep(l.Events.Flush())
	}
	if l.Movement != nil {
		keep(l.Movement.Flush())
	}
	for _, f := range l.files {
		keep(f.Close())
	}
	l.files = nil
	return first
}

// ReadEvents parses an event log written by EventWriter.
func ReadEvents(r io.Reader) ([]crowd.CrowdEvent, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(EventHeader)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading event log: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	events := make([]crowd.CrowdEvent, 0, len(rows)-1)
	for i, row := range rows[1:] {
		ts, err := time.ParseInLocation(TimeLayout, row[0], time.Local)
		if err != nil {
			return nil, fmt.Errorf("event row %d time: %w", i+1, err)
		}
		humans, err := strconv.Atoi(row[1])
		if err != nil {
			return nil, fmt.Errorf("event row %d human_count: %w", i+1, err)
		}
		violations, err := strconv.Atoi(row[2])
		if err != nil {
			return nil, fmt.Errorf("event row %d violation_count: %w", i+1, err)
		}
		events = append(events, crowd.CrowdEvent{
			FrameIndex:     i + 1,
			Timestamp:      ts,
			HumanCount:     humans,
			ViolationCount: violations,
			Restricted:     row[3] == "1",
			Abnormal:       row[4] == "1",
		})
	}
	return events, nil
}
