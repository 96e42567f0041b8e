package artifacts

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/crowdwatch/internal/crowd"
)

func TestEventWriter(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewEventWriter(&buf)
	require.NoError(t, err)

	ts := time.Date(2024, 1, 2, 3, 4, 5, 120000000, time.Local)
	require.NoError(t, w.WriteEvent(crowd.CrowdEvent{Timestamp: ts, HumanCount: 4, ViolationCount: 2, Abnormal: true}))
	require.NoError(t, w.WriteEvent(crowd.CrowdEvent{Timestamp: ts.Add(40 * time.Millisecond), HumanCount: 1, Restricted: true}))
	require.NoError(t, w.Flush())
	assert.Equal(t, 2, w.Rows())

	want := "time,human_count,violation_count,restricted_entry,abnormal_activity\n" +
		"2024-01-02 03:04:05.120000,4,2,0,1\n" +
		"2024-01-02 03:04:05.160000,1,0,1,0\n"
	assert.Equal(t, want, buf.String())

	events, err := ReadEvents(strings.NewReader(buf.String()))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Timestamp.Equal(ts))
	assert.Equal(t, 2, events[1].FrameIndex)
	assert.True(t, events[1].Restricted)
}

func TestMovementWriterWindowAndPadding(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewMovementWriter(&buf, 3)
	require.NoError(t, err)

	require.NoError(t, w.WriteMovement(crowd.MovementRecord{
		TrackID: 9, EntryIndex: 5, ExitIndex: 100,
		Positions: []r2.Vec{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3.5}, {X: 4, Y: 4}},
	}))
	require.NoError(t, w.WriteMovement(crowd.MovementRecord{
		TrackID: 10, EntryIndex: 7, ExitIndex: 8,
		Positions: []r2.Vec{{X: 0.25, Y: 10}},
	}))
	require.NoError(t, w.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{
		"track_id,entry_time,exit_time,x1,y1,x2,y2,x3,y3",
		"9,5,100,2,2,3,3.5,4,4",
		"10,7,8,0.25,10,,,,",
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("movement log mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateLogs(t *testing.T) {
	dir := t.TempDir()
	logs, err := CreateLogs(dir, 0)
	require.NoError(t, err)
	require.NoError(t, logs.Events.WriteEvent(crowd.CrowdEvent{Timestamp: time.Now()}))
	require.NoError(t, logs.Close())

	b, err := os.ReadFile(filepath.Join(dir, MovementDataFile))
	require.NoError(t, err)
	assert.Equal(t, strings.Join(MovementHeader(10), ",")+"\n", string(b))

	_, err = CreateLogs(filepath.Join(dir, "missing"), 10)
	assert.Error(t, err)
}

func TestDataRecordFrame(t *testing.T) {
	assert.Equal(t, 6, DataRecordFrame(30, 5, false))
	assert.Equal(t, 5, DataRecordFrame(29.97, 5, false))
	assert.Equal(t, 1, DataRecordFrame(30, 5, true))
	assert.Equal(t, 1, DataRecordFrame(2, 5, false))
}

func TestMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, ProcessedVideoFile)
	md := Metadata{
		DataRecordFrame: 6, FPS: 30, ProcessedFrameSize: 1080, TrackMaxAge: 3,
		StartTime:          FormatMetadataTime(time.Date(2024, 2, 3, 10, 0, 0, 0, time.UTC)),
		ProcessedVideoPath: &video,
		OutputDirectory:    dir,
	}
	require.NoError(t, WriteMetadata(dir, md))

	raw, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"START_TIME":"03/02/2024, 10:00:00"`)
	assert.Contains(t, string(raw), `"IS_CAM":false`)

	got, err := ReadMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, md, got)
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CrowdDataFile), []byte("abc"), 0o644))

	entries := Scan(dir)
	assert.Len(t, entries, len(Kinds()))
	assert.Equal(t, Entry{Filename: CrowdDataFile, Available: true, Size: 3}, entries[KindCrowdData])
	assert.False(t, entries[KindHeatmap].Available)

	s, ok := Lookup(KindSocialDistancePlot)
	require.True(t, ok)
	assert.Equal(t, "social distance.png", s.Filename)
	_, ok = Lookup("optical_flow")
	assert.False(t, ok)
}
