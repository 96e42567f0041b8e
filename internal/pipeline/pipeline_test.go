package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crowdwatch/internal/artifacts"
	"github.com/banshee-data/crowdwatch/internal/crowd"
	"github.com/banshee-data/crowdwatch/internal/detect"
	"github.com/banshee-data/crowdwatch/internal/timeutil"
	"github.com/banshee-data/crowdwatch/internal/video"
)

var t0 = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

// pairThenAlone has two people standing close for two frames, then one
// walks out of view.
func pairThenAlone() []detect.ReplayFrame {
	a := detect.ReplayPerson{ID: 1, Box: [4]float64{0, 0, 10, 20}}
	b := detect.ReplayPerson{ID: 2, Box: [4]float64{12, 0, 22, 20}}
	return []detect.ReplayFrame{
		{Frame: 1, Persons: []detect.ReplayPerson{a, b}},
		{Frame: 2, Persons: []detect.ReplayPerson{a, b}},
		{Frame: 3, Persons: []detect.ReplayPerson{a}},
		{Frame: 4, Persons: []detect.ReplayPerson{a}},
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	frames   []int
	finished []string
}

func (o *recordingObserver) ObserveFrame(jobID string, res crowd.FrameResult) {
	o.mu.Lock()
	o.frames = append(o.frames, res.Index)
	o.mu.Unlock()
}

func (o *recordingObserver) FinishJob(jobID string) {
	o.mu.Lock()
	o.finished = append(o.finished, jobID)
	o.mu.Unlock()
}

type memEventStore struct {
	events map[string][]crowd.CrowdEvent
	err    error
}

func (s *memEventStore) SaveEvents(_ context.Context, jobID string, events []crowd.CrowdEvent) error {
	if s.err != nil {
		return s.err
	}
	if s.events == nil {
		s.events = map[string][]crowd.CrowdEvent{}
	}
	s.events[jobID] = events
	return nil
}

func newTestRunner(t *testing.T, frames int, fps float64, replay []detect.ReplayFrame) *Runner {
	t.Helper()
	return &Runner{
		Open: func(string) (video.Source, error) {
			return video.NewSyntheticSource(frames, fps, image.Pt(64, 48)), nil
		},
		Trackers: func(_ context.Context, _, _ string, p detect.Params) (detect.Tracker, error) {
			return detect.NewReplayTracker(replay, p), nil
		},
		OutputRoot:  t.TempDir(),
		Clock:       timeutil.NewMockClock(t0),
		SkipReports: true,
	}
}

func testSpec(id string) JobSpec {
	return JobSpec{
		ID:      id,
		Input:   Input{Path: "clip.mp4", Filename: "clip.mp4"},
		Options: Options{SocialDistance: true, AbnormalDetection: true},
	}
}

func TestRunWritesLogsAndMetadata(t *testing.T) {
	r := newTestRunner(t, 4, 10, pairThenAlone())
	obs := &recordingObserver{}
	store := &memEventStore{}
	r.Observers = []FrameObserver{obs}
	r.Events = store

	res, err := r.Run(context.Background(), testSpec("job_a"), nil)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Frames)
	assert.Equal(t, 10.0, res.FPS)
	assert.False(t, res.Live)
	assert.Equal(t, filepath.Join(r.OutputRoot, "job_a"), res.OutputDir)
	assert.Equal(t, 2, res.Summary.MaxHumans)
	assert.Equal(t, 2, res.Summary.PeakViolations)

	f, err := os.Open(filepath.Join(res.OutputDir, artifacts.CrowdDataFile))
	require.NoError(t, err)
	defer f.Close()
	events, err := artifacts.ReadEvents(f)
	require.NoError(t, err)
	require.Len(t, events, 4)
	var humans, violations []int
	for _, ev := range events {
		humans = append(humans, ev.HumanCount)
		violations = append(violations, ev.ViolationCount)
	}
	assert.Equal(t, []int{2, 2, 1, 1}, humans)
	assert.Equal(t, []int{2, 2, 0, 0}, violations)
	assert.Equal(t, t0.Add(100*time.Millisecond), store.events["job_a"][0].Timestamp)

	mf, err := os.Open(filepath.Join(res.OutputDir, artifacts.MovementDataFile))
	require.NoError(t, err)
	defer mf.Close()
	rows, err := csv.NewReader(mf).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3, "header plus one row per track")

	md, err := artifacts.ReadMetadata(res.OutputDir)
	require.NoError(t, err)
	assert.False(t, md.IsCam)
	assert.Equal(t, 2, md.DataRecordFrame)
	assert.Equal(t, 64, md.ProcessedFrameSize, "width the frames were analysed at")
	assert.Equal(t, artifacts.FormatMetadataTime(t0), md.StartTime)
	assert.Equal(t, artifacts.FormatMetadataTime(t0.Add(400*time.Millisecond)), md.EndTime)
	assert.Nil(t, md.ProcessedVideoPath)

	assert.Equal(t, []int{1, 2, 3, 4}, obs.frames)
	assert.Equal(t, []string{"job_a"}, obs.finished)
	assert.Len(t, store.events["job_a"], 4)
}

func TestRunProgressIsMonotonic(t *testing.T) {
	r := newTestRunner(t, 4, 10, pairThenAlone())
	var got []int
	_, err := r.Run(context.Background(), testSpec("job_p"), func(p int) { got = append(got, p) })
	require.NoError(t, err)

	require.NotEmpty(t, got)
	assert.Equal(t, ProgressStarted, got[0])
	assert.Equal(t, ProgressCharts, got[len(got)-1])
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}
	assert.Contains(t, got, ProgressLoopDone)
}

func TestRunLiveSourceMeasuresFPS(t *testing.T) {
	r := newTestRunner(t, 3, 0, pairThenAlone()[:3])
	r.Clock = timeutil.NewSteppingClock(t0, 100*time.Millisecond)

	res, err := r.Run(context.Background(), testSpec("job_live"), nil)
	require.NoError(t, err)
	assert.True(t, res.Live)
	assert.InDelta(t, 7.5, res.FPS, 1e-9)

	md, err := artifacts.ReadMetadata(res.OutputDir)
	require.NoError(t, err)
	assert.True(t, md.IsCam)
	assert.Equal(t, 1, md.DataRecordFrame)
}

func TestRunEncodesAnnotatedVideo(t *testing.T) {
	r := newTestRunner(t, 4, 10, pairThenAlone())
	enc := &video.CountingEncoder{}
	var gotSize image.Point
	var gotFPS float64
	r.NewEncoder = func(path string, fps float64, size image.Point) (video.Encoder, error) {
		gotFPS, gotSize = fps, size
		return enc, nil
	}

	res, err := r.Run(context.Background(), testSpec("job_v"), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, enc.Frames())
	assert.Equal(t, image.Pt(64, 48), gotSize)
	assert.Equal(t, 10.0, gotFPS)

	md, err := artifacts.ReadMetadata(res.OutputDir)
	require.NoError(t, err)
	require.NotNil(t, md.ProcessedVideoPath)
	assert.Equal(t, filepath.Join(res.OutputDir, artifacts.ProcessedVideoFile), *md.ProcessedVideoPath)
}

type failingTracker struct{ at int }

func (f failingTracker) Track(_ context.Context, index int, _ video.Frame) (detect.Result, error) {
	if index >= f.at {
		return detect.Result{}, errTrackerDown
	}
	return detect.Result{}, nil
}

func (failingTracker) Close() error { return nil }

var errTrackerDown = errors.New("tracker down")

func TestRunTrackerFailureAbortsJob(t *testing.T) {
	r := newTestRunner(t, 5, 10, nil)
	r.Trackers = func(context.Context, string, string, detect.Params) (detect.Tracker, error) {
		return failingTracker{at: 3}, nil
	}
	obs := &recordingObserver{}
	r.Observers = []FrameObserver{obs}

	_, err := r.Run(context.Background(), testSpec("job_f"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errTrackerDown)
	assert.Contains(t, err.Error(), "tracking frame 3")
	assert.Equal(t, []int{1, 2}, obs.frames)
	assert.Equal(t, []string{"job_f"}, obs.finished)
}

func TestRunReplayShorterThanSource(t *testing.T) {
	r := newTestRunner(t, 7, 10, pairThenAlone())
	store := &memEventStore{}
	r.Events = store

	res, err := r.Run(context.Background(), testSpec("job_short"), nil)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Frames)
	assert.Equal(t, 2, res.Summary.Tracks)

	var humans []int
	for _, ev := range store.events["job_short"] {
		humans = append(humans, ev.HumanCount)
	}
	assert.Equal(t, []int{2, 2, 1, 1, 0, 0, 0}, humans)
}

func TestRunEmptySource(t *testing.T) {
	r := newTestRunner(t, 0, 10, nil)
	_, err := r.Run(context.Background(), testSpec("job_e"), nil)
	assert.ErrorIs(t, err, ErrEmptySource)
}

func TestRunCancelled(t *testing.T) {
	r := newTestRunner(t, 4, 10, pairThenAlone())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, testSpec("job_c"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunRejectsEscapingJobID(t *testing.T) {
	r := newTestRunner(t, 4, 10, pairThenAlone())
	_, err := r.Run(context.Background(), testSpec("../outside"), nil)
	require.Error(t, err)
}

func TestRunEventStoreFailureIsNotFatal(t *testing.T) {
	r := newTestRunner(t, 4, 10, pairThenAlone())
	r.Events = &memEventStore{err: errors.New("disk full")}
	_, err := r.Run(context.Background(), testSpec("job_s"), nil)
	assert.NoError(t, err)
}

func TestRunReports(t *testing.T) {
	r := newTestRunner(t, 4, 10, pairThenAlone())
	r.SkipReports = false
	res, err := r.Run(context.Background(), testSpec("job_r"), nil)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(res.OutputDir, artifacts.CrowdChartFile))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(res.OutputDir, artifacts.CrowdDataPlotFile))
	assert.NoError(t, err)
}

func TestRunUsesDetectionReplayFile(t *testing.T) {
	r := newTestRunner(t, 2, 10, nil)
	r.Trackers = nil
	path := filepath.Join(t.TempDir(), "detections.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"frame":1,"persons":[{"id":7,"box":[0,0,10,20]}]}`+"\n"+
			`{"frame":2,"persons":[{"id":7,"box":[1,0,11,20]}]}`+"\n"), 0o644))

	spec := testSpec("job_d")
	spec.Input.Detections = path
	res, err := r.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Frames)
	assert.Equal(t, 1, res.Summary.MaxHumans)
}

func TestValidate(t *testing.T) {
	r := newTestRunner(t, 1, 10, nil)
	assert.NoError(t, r.Validate(Input{Path: "clip.mp4"}))
	assert.Error(t, r.Validate(Input{}))

	empty := newTestRunner(t, 0, 10, nil)
	assert.ErrorIs(t, empty.Validate(Input{Path: "clip.mp4"}), ErrEmptySource)

	noTracker := newTestRunner(t, 1, 10, nil)
	noTracker.Trackers = nil
	assert.ErrorIs(t, noTracker.Validate(Input{Path: "clip.mp4"}), ErrNoTracker)
	good := writeFile(t, "good.jsonl", `{"frame":1,"persons":[]}`+"\n")
	assert.NoError(t, noTracker.Validate(Input{Path: "clip.mp4", Detections: good}))

	failing := newTestRunner(t, 1, 10, nil)
	failing.Open = func(string) (video.Source, error) { return nil, errors.New("codec") }
	assert.Error(t, failing.Validate(Input{Path: "clip.mp4"}))
}

func TestValidateRejectsBadDetections(t *testing.T) {
	r := newTestRunner(t, 1, 10, nil)
	r.Trackers = nil

	malformed := writeFile(t, "bad.jsonl", `{"frame":1,"persons":[]}`+"\n"+`{"frame":2,`+"\n")
	err := r.Validate(Input{Path: "clip.mp4", Detections: malformed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")

	empty := writeFile(t, "empty.jsonl", "")
	assert.ErrorIs(t, r.Validate(Input{Path: "clip.mp4", Detections: empty}), detect.ErrEmptyReplay)

	missing := filepath.Join(t.TempDir(), "missing.jsonl")
	assert.Error(t, r.Validate(Input{Path: "clip.mp4", Detections: missing}))
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEngineSettings(t *testing.T) {
	r := newTestRunner(t, 1, 10, nil)
	s, err := EngineSettings(r.cfg(), Options{RestrictedEntry: true}, 0.04)
	require.NoError(t, err)
	assert.False(t, s.SocialDistanceCheck)
	assert.False(t, s.AbnormalCheck)
	assert.True(t, s.RestrictedCheck)
	assert.Equal(t, 0.04, s.TimeStep)
	assert.Equal(t, 50.0, s.SocialDistance)

	o := OptionsFromConfig(r.cfg())
	assert.Equal(t, Options{SocialDistance: true, AbnormalDetection: true}, o)
}
