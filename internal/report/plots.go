package report

import (
	"errors"
	"fmt"
	"image/color"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/crowdwatch/internal/crowd"
)

// ErrNoData is returned when there is nothing to plot.
var ErrNoData = errors.New("report: no data")

var (
	countColour     = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	violationColour = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	restrictColour  = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	abnormalColour  = color.RGBA{R: 148, G: 103, B: 189, A: 255}
)

func series(events []crowd.CrowdEvent, value func(crowd.CrowdEvent) float64) plotter.XYs {
	ts := seconds(events)
	pts := make(plotter.XYs, len(events))
	for i, ev := range events {
		pts[i] = plotter.XY{X: ts[i], Y: value(ev)}
	}
	return pts
}

func flagged(events []crowd.CrowdEvent, on func(crowd.CrowdEvent) bool) plotter.XYs {
	ts := seconds(events)
	var pts plotter.XYs
	for i, ev := range events {
		if on(ev) {
			pts = append(pts, plotter.XY{X: ts[i], Y: 1})
		}
	}
	return pts
}

func linePlot(title, ylabel string, pts plotter.XYs, c color.Color) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = ylabel
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Color = c
	line.Width = vg.Points(1)
	p.Add(line)
	return p, nil
}

func flagPlot(title string, pts plotter.XYs, c color.Color) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Min, p.Y.Max = 0, 1.5
	if len(pts) == 0 {
		return p, nil
	}
	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, err
	}
	sc.Color = c
	sc.Radius = vg.Points(2)
	p.Add(sc)
	return p, nil
}

// CrowdDataPlot draws a 2x2 panel: human count, violations, restricted
// frames and abnormal frames over time.
func CrowdDataPlot(path string, in Input) error {
	if len(in.Events) == 0 {
		return ErrNoData
	}
	ev := in.Events
	humans, err := linePlot("Crowd count", "People", series(ev, func(e crowd.CrowdEvent) float64 { return float64(e.HumanCount) }), countColour)
	if err != nil {
		return err
	}
	violations, err := linePlot("Violations", "Count", series(ev, func(e crowd.CrowdEvent) float64 { return float64(e.ViolationCount) }), violationColour)
	if err != nil {
		return err
	}
	restricted, err := flagPlot("Restricted entry", flagged(ev, func(e crowd.CrowdEvent) bool { return e.Restricted }), restrictColour)
	if err != nil {
		return err
	}
	abnormal, err := flagPlot("Abnormal activity", flagged(ev, func(e crowd.CrowdEvent) bool { return e.Abnormal }), abnormalColour)
	if err != nil {
		return err
	}

	plots := [][]*plot.Plot{{humans, violations}, {restricted, abnormal}}
	img := vgimg.New(16*vg.Inch, 9*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 2, PadX: vg.Millimeter * 4, PadY: vg.Millimeter * 4, PadTop: vg.Millimeter * 2, PadBottom: vg.Millimeter * 2, PadLeft: vg.Millimeter * 2, PadRight: vg.Millimeter * 2}
	canvases := plot.Align(plots, tiles, dc)
	for i := range plots {
		for j := range plots[i] {
			plots[i][j].Draw(canvases[i][j])
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("encoding png: %w", err)
	}
	return f.Close()
}

// SocialDistancePlot draws violations over time.
func SocialDistancePlot(path string, in Input) error {
	if len(in.Events) == 0 {
		return ErrNoData
	}
	p, err := linePlot("Social distance violations", "Violations",
		series(in.Events, func(e crowd.CrowdEvent) float64 { return float64(e.ViolationCount) }), violationColour)
	if err != nil {
		return err
	}
	return p.Save(12*vg.Inch, 5*vg.Inch, path)
}

// DetectionPlot draws the number of tracked persons over time.
func DetectionPlot(path string, in Input) error {
	if len(in.Events) == 0 {
		return ErrNoData
	}
	p, err := linePlot("Crowd count "+label(in.Events), "People",
		series(in.Events, func(e crowd.CrowdEvent) float64 { return float64(e.HumanCount) }), countColour)
	if err != nil {
		return err
	}
	return p.Save(12*vg.Inch, 5*vg.Inch, path)
}

// EnergyPlot draws the per-frame mean kinetic energy.
func EnergyPlot(path string, in Input) error {
	n := len(in.Energies)
	if n == 0 || n != len(in.Events) {
		return ErrNoData
	}
	ts := seconds(in.Events)
	pts := make(plotter.XYs, n)
	for i, e := range in.Energies {
		pts[i] = plotter.XY{X: ts[i], Y: e}
	}
	p, err := linePlot("Mean kinetic energy", "Energy", pts, abnormalColour)
	if err != nil {
		return err
	}
	return p.Save(12*vg.Inch, 5*vg.Inch, path)
}

// heatGrid bins track positions over the frame.
type heatGrid struct {
	cols, rows int
	cellW      float64
	cellH      float64
	counts     []float64
}

func newHeatGrid(in Input, cols int) (*heatGrid, error) {
	w, h := float64(in.FrameSize.X), float64(in.FrameSize.Y)
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("heatmap needs a frame size, got %v", in.FrameSize)
	}
	rows := int(float64(cols) * h / w)
	if rows < 1 {
		rows = 1
	}
	g := &heatGrid{cols: cols, rows: rows, cellW: w / float64(cols), cellH: h / float64(rows)}
	g.counts = make([]float64, cols*rows)
	n := 0
	for _, m := range in.Movements {
		for _, p := range m.Positions {
			c, r := int(p.X/g.cellW), int(p.Y/g.cellH)
			if c < 0 || c >= cols || r < 0 || r >= rows {
				continue
			}
			g.counts[r*cols+c]++
			n++
		}
	}
	if n == 0 {
		return nil, ErrNoData
	}
	return g, nil
}

func (g *heatGrid) Dims() (c, r int) { return g.cols, g.rows }

// Z flips rows so the image origin (top-left) appears at the top.
func (g *heatGrid) Z(c, r int) float64 { return g.counts[(g.rows-1-r)*g.cols+c] }

func (g *heatGrid) X(c int) float64 { return (float64(c) + 0.5) * g.cellW }

func (g *heatGrid) Y(r int) float64 { return (float64(r) + 0.5) * g.cellH }

// Heatmap draws the density of recorded track positions.
func Heatmap(path string, in Input) error {
	g, err := newHeatGrid(in, 48)
	if err != nil {
		return err
	}
	p := plot.New()
	p.Title.Text = "Movement heatmap"
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px, flipped)"
	hm := plotter.NewHeatMap(g, palette.Heat(32, 1))
	if hm.Max == hm.Min {
		hm.Max = hm.Min + 1
	}
	p.Add(hm)
	return p.Save(10*vg.Inch, 10*vg.Inch*vg.Length(in.FrameSize.Y)/vg.Length(in.FrameSize.X), path)
}
