package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/crowdwatch/internal/artifacts"
	"github.com/banshee-data/crowdwatch/internal/crowd"
	"github.com/banshee-data/crowdwatch/internal/detect"
	"github.com/banshee-data/crowdwatch/internal/monitoring"
	"github.com/banshee-data/crowdwatch/internal/overlay"
	"github.com/banshee-data/crowdwatch/internal/report"
	"github.com/banshee-data/crowdwatch/internal/security"
	"github.com/banshee-data/crowdwatch/internal/video"
)

// Progress milestones reported through the progress callback.
const (
	ProgressStarted  = 10
	ProgressLoopDone = 70
	ProgressPlots    = 85
	ProgressCharts   = 95
)

var logf = monitoring.Component("pipeline")

// run is the state of one job's frame loop.
type run struct {
	r        *Runner
	spec     JobSpec
	outDir   string
	progress func(int)

	src      video.Source
	tracker  detect.Tracker
	engine   *crowd.Engine
	recorder *crowd.MovementRecorder
	logs     *artifacts.Logs
	encoder  video.Encoder
	draw     overlay.Options

	start     time.Time
	fps       float64
	live      bool
	frameSize image.Point

	events    []crowd.CrowdEvent
	energies  []float64
	movements []crowd.MovementRecord
	lastPct   int
}

// Run executes spec to completion. progress receives monotonically
// increasing percentages up to ProgressCharts; the caller marks 100 when
// it records the result. Any source, tracker, encoder or recording error
// aborts the run; plot and chart failures are logged and listed in the
// result.
func (r *Runner) Run(ctx context.Context, spec JobSpec, progress func(int)) (res Result, err error) {
	if progress == nil {
		progress = func(int) {}
	}
	outDir, err := security.JoinWithin(r.OutputRoot, spec.ID)
	if err != nil {
		return res, fmt.Errorf("output directory: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return res, fmt.Errorf("creating output directory: %w", err)
	}

	st := &run{r: r, spec: spec, outDir: outDir, progress: progress, draw: overlayOptions(r.cfg())}
	defer st.cleanup()

	st.report(ProgressStarted)
	if err := st.open(ctx); err != nil {
		return res, err
	}
	frames, err := st.loop(ctx)
	if err != nil {
		return res, err
	}
	if err := st.finish(frames); err != nil {
		return res, err
	}
	st.report(ProgressLoopDone)

	if r.Events != nil {
		if err := r.Events.SaveEvents(ctx, spec.ID, st.events); err != nil {
			logf("job %s: persisting events: %v", spec.ID, err)
		}
	}

	in := report.Input{
		Events:    st.events,
		Energies:  st.energies,
		Movements: st.movements,
		FrameSize: st.frameSize,
	}
	res = Result{
		OutputDir: outDir,
		Frames:    frames,
		FPS:       st.fps,
		Live:      st.live,
		Summary:   report.Summarise(in),
	}
	if !r.SkipReports {
		if err := report.WritePlots(outDir, in); err != nil {
			res.ReportErrors = append(res.ReportErrors, err.Error())
		}
		st.report(ProgressPlots)
		if err := report.WriteChart(outDir, in); err != nil {
			res.ReportErrors = append(res.ReportErrors, err.Error())
		}
	}
	st.report(ProgressCharts)
	return res, nil
}

func (st *run) report(pct int) {
	if pct > st.lastPct {
		st.lastPct = pct
		st.progress(pct)
	}
}

func (st *run) open(ctx context.Context) error {
	r := st.r
	if r.Open == nil {
		return errors.New("no video opener configured")
	}
	src, err := r.Open(st.spec.Input.Path)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	st.src = src
	st.live = src.Live()
	st.fps = src.FPS()

	timeStep := 1.0
	if !st.live {
		if st.fps <= 0 {
			logf("job %s: source reports no frame rate, assuming %d fps", st.spec.ID, defaultFPS)
			st.fps = defaultFPS
		}
		timeStep = 1 / st.fps
	}

	settings, err := EngineSettings(r.cfg(), st.spec.Options, timeStep)
	if err != nil {
		return err
	}
	st.engine = crowd.NewEngine(settings)

	if st.tracker, err = r.tracker(ctx, st.spec); err != nil {
		return fmt.Errorf("starting tracker: %w", err)
	}

	window := r.cfg().GetMovementWindow()
	if st.logs, err = artifacts.CreateLogs(st.outDir, window); err != nil {
		return err
	}
	st.recorder = crowd.NewMovementRecorder(window, crowd.MovementSinkFunc(func(m crowd.MovementRecord) error {
		st.movements = append(st.movements, m)
		return st.logs.Movement.WriteMovement(m)
	}))
	st.start = r.clock().Now()
	return nil
}

// loop processes frames until the source is exhausted and returns the
// final frame index.
func (st *run) loop(ctx context.Context) (int, error) {
	total := st.src.FrameCount()
	index := 0
	for {
		if err := ctx.Err(); err != nil {
			return index, err
		}
		frame, err := st.src.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return index, fmt.Errorf("reading frame %d: %w", index+1, err)
		}
		index++
		err = st.frame(ctx, index, frame)
		frame.Close()
		if err != nil {
			return index, err
		}
		if total > 0 {
			pct := ProgressStarted + (ProgressLoopDone-ProgressStarted)*index/total
			if pct > ProgressLoopDone {
				pct = ProgressLoopDone
			}
			st.report(pct)
		}
	}
	if index == 0 {
		return 0, ErrEmptySource
	}
	return index, nil
}

func (st *run) timestamp(index int) time.Time {
	if st.live {
		return st.r.clock().Now()
	}
	return st.start.Add(time.Duration(float64(index) / st.fps * float64(time.Second)))
}

func (st *run) frame(ctx context.Context, index int, frame video.Frame) error {
	id := st.spec.ID
	tr, err := st.tracker.Track(ctx, index, frame)
	if err != nil {
		return fmt.Errorf("tracking frame %d: %w", index, err)
	}

	res, err := st.engine.Process(crowd.FrameContext{
		Index:     index,
		Timestamp: st.timestamp(index),
		Persons:   tr.Persons,
	})
	if err != nil {
		return fmt.Errorf("analysing frame %d: %w", index, err)
	}

	st.recorder.Observe(index, tr.Persons)
	if err := st.recorder.Expire(index, tr.Expired); err != nil {
		return err
	}

	overlay.Render(frame, res, st.draw)
	if err := st.encode(frame); err != nil {
		return fmt.Errorf("encoding frame %d: %w", index, err)
	}

	if err := st.logs.Events.WriteEvent(res.Event); err != nil {
		return err
	}
	st.events = append(st.events, res.Event)
	st.energies = append(st.energies, res.Abnormal.MeanEnergy)

	if st.r.Preview != nil {
		if err := st.r.Preview.Publish(id, index, frame); err != nil {
			logf("job %s: preview frame %d: %v", id, index, err)
		}
	}
	for _, o := range st.r.Observers {
		o.ObserveFrame(id, res)
	}
	return nil
}

func (st *run) encode(frame video.Frame) error {
	if st.encoder == nil {
		size := frame.Bounds().Size()
		st.frameSize = size
		if st.r.NewEncoder == nil {
			st.encoder = &video.CountingEncoder{}
		} else {
			enc, err := st.r.NewEncoder(filepath.Join(st.outDir, artifacts.ProcessedVideoFile), st.fps, size)
			if err != nil {
				return err
			}
			st.encoder = enc
		}
	}
	return st.encoder.Write(frame)
}

// finish closes the video, finalizes open tracks and writes the metadata.
func (st *run) finish(frames int) error {
	if st.encoder != nil {
		err := st.encoder.Close()
		st.encoder = nil
		if err != nil {
			return fmt.Errorf("closing video: %w", err)
		}
	}
	if err := st.recorder.Finish(frames); err != nil {
		return err
	}
	err := st.logs.Close()
	st.logs = nil
	if err != nil {
		return fmt.Errorf("closing logs: %w", err)
	}

	cfg := st.r.cfg()
	end := st.timestamp(frames)
	if st.live {
		if elapsed := end.Sub(st.start).Seconds(); elapsed > 0 {
			st.fps = float64(frames) / elapsed
		}
	}

	md := artifacts.Metadata{
		IsCam:              st.live,
		DataRecordFrame:    artifacts.DataRecordFrame(st.fps, cfg.GetDataRecordRate(), st.live),
		FPS:                st.fps,
		ProcessedFrameSize: st.frameSize.X,
		TrackMaxAge:        cfg.GetTrackMaxAge(),
		StartTime:          artifacts.FormatMetadataTime(st.start),
		EndTime:            artifacts.FormatMetadataTime(end),
		OutputDirectory:    st.outDir,
	}
	if st.r.NewEncoder != nil {
		p := filepath.Join(st.outDir, artifacts.ProcessedVideoFile)
		md.ProcessedVideoPath = &p
	}
	return artifacts.WriteMetadata(st.outDir, md)
}

// cleanup releases whatever is still open after a failed or finished run.
func (st *run) cleanup() {
	id := st.spec.ID
	if st.encoder != nil {
		if err := st.encoder.Close(); err != nil {
			logf("job %s: closing video: %v", id, err)
		}
	}
	if st.logs != nil {
		if err := st.logs.Close(); err != nil {
			logf("job %s: closing logs: %v", id, err)
		}
	}
	if st.tracker != nil {
		if err := st.tracker.Close(); err != nil {
			logf("job %s: closing tracker: %v", id, err)
		}
	}
	if st.src != nil {
		if err := st.src.Close(); err != nil {
			logf("job %s: closing source: %v", id, err)
		}
	}
	for _, o := range st.r.Observers {
		o.FinishJob(id)
	}
	if st.r.Preview != nil {
		st.r.Preview.Remove(id)
	}
}
