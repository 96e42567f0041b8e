// Package report renders the post-run plots and charts of an analysis job.
// Report generation is best effort: callers log failures and keep the
// job's core artifacts.
package report

import (
	"errors"
	"fmt"
	"image"
	"log"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/crowdwatch/internal/artifacts"
	"github.com/banshee-data/crowdwatch/internal/crowd"
)

// Input is everything the reports are drawn from.
type Input struct {
	Events []crowd.CrowdEvent
	// Energies holds the mean kinetic energy of each frame, aligned with
	// Events.
	Energies  []float64
	Movements []crowd.MovementRecord
	FrameSize image.Point
}

// Summary condenses a run for the job result.
type Summary struct {
	Frames           int     `json:"frames"`
	MeanHumans       float64 `json:"mean_humans"`
	MaxHumans        int     `json:"max_humans"`
	PeakViolations   int     `json:"peak_violations"`
	RestrictedFrames int     `json:"restricted_frames"`
	AbnormalFrames   int     `json:"abnormal_frames"`
	MeanEnergy       float64 `json:"mean_energy"`
	Tracks           int     `json:"tracks"`
}

// Summarise computes the run summary.
func Summarise(in Input) Summary {
	s := Summary{Frames: len(in.Events), Tracks: len(in.Movements)}
	if len(in.Events) == 0 {
		return s
	}
	humans := make([]float64, len(in.Events))
	for i, ev := range in.Events {
		humans[i] = float64(ev.HumanCount)
		if ev.HumanCount > s.MaxHumans {
			s.MaxHumans = ev.HumanCount
		}
		if ev.ViolationCount > s.PeakViolations {
			s.PeakViolations = ev.ViolationCount
		}
		if ev.Restricted {
			s.RestrictedFrames++
		}
		if ev.Abnormal {
			s.AbnormalFrames++
		}
	}
	s.MeanHumans = stat.Mean(humans, nil)
	if len(in.Energies) > 0 {
		s.MeanEnergy = stat.Mean(in.Energies, nil)
	}
	return s
}

// WritePlots renders the PNG plots into dir. Each plot is attempted
// independently; the returned error joins all failures.
func WritePlots(dir string, in Input) error {
	steps := []struct {
		file string
		fn   func(string, Input) error
	}{
		{artifacts.CrowdDataPlotFile, CrowdDataPlot},
		{artifacts.SocialDistanceFile, SocialDistancePlot},
		{artifacts.DetectionPlotFile, DetectionPlot},
		{artifacts.EnergyGraphFile, EnergyPlot},
		{artifacts.HeatmapFile, Heatmap},
	}
	var errs []error
	for _, s := range steps {
		if err := s.fn(filepath.Join(dir, s.file), in); err != nil {
			log.Printf("[report] %s: %v", s.file, err)
			errs = append(errs, fmt.Errorf("%s: %w", s.file, err))
		}
	}
	return errors.Join(errs...)
}

// WriteChart renders the interactive HTML chart into dir.
func WriteChart(dir string, in Input) error {
	if err := chartFile(filepath.Join(dir, artifacts.CrowdChartFile), in); err != nil {
		log.Printf("[report] %s: %v", artifacts.CrowdChartFile, err)
		return fmt.Errorf("%s: %w", artifacts.CrowdChartFile, err)
	}
	return nil
}

// WriteAll renders the plots and the chart.
func WriteAll(dir string, in Input) error {
	return errors.Join(WritePlots(dir, in), WriteChart(dir, in))
}

// seconds returns each event's offset from the first event.
func seconds(events []crowd.CrowdEvent) []float64 {
	out := make([]float64, len(events))
	if len(events) == 0 {
		return out
	}
	t0 := events[0].Timestamp
	for i, ev := range events {
		out[i] = ev.Timestamp.Sub(t0).Seconds()
	}
	return out
}

func label(events []crowd.CrowdEvent) string {
	if len(events) == 0 {
		return ""
	}
	return events[0].Timestamp.Format(time.DateTime)
}
