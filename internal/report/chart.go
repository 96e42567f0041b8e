package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/crowdwatch/internal/crowd"
)

// ChartOptions controls the interactive chart page.
type ChartOptions struct {
	Title string
	// AssetsHost overrides where the echarts javascript is loaded from.
	AssetsHost string
	// MaxPoints downsamples long runs by stride.
	MaxPoints int
}

// RenderChart writes an HTML page with the crowd counts and the alert
// flags over time.
func RenderChart(w io.Writer, events []crowd.CrowdEvent, o ChartOptions) error {
	if len(events) == 0 {
		return ErrNoData
	}
	maxPoints := o.MaxPoints
	if maxPoints <= 0 {
		maxPoints = 5000
	}
	stride := 1
	if len(events) > maxPoints {
		stride = (len(events) + maxPoints - 1) / maxPoints
	}

	ts := seconds(events)
	var (
		xs         []string
		humans     []opts.LineData
		violations []opts.LineData
		restricted []opts.BarData
		abnormal   []opts.BarData
	)
	for i := 0; i < len(events); i += stride {
		ev := events[i]
		xs = append(xs, strconv.FormatFloat(ts[i], 'f', 2, 64))
		humans = append(humans, opts.LineData{Value: ev.HumanCount})
		violations = append(violations, opts.LineData{Value: ev.ViolationCount})
		restricted = append(restricted, opts.BarData{Value: boolInt(ev.Restricted)})
		abnormal = append(abnormal, opts.BarData{Value: boolInt(ev.Abnormal)})
	}

	init := opts.Initialization{PageTitle: o.Title, Width: "100%", Height: "480px"}
	if o.AssetsHost != "" {
		init.AssetsHost = o.AssetsHost
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(init),
		charts.WithTitleOpts(opts.Title{Title: "Crowd count", Subtitle: fmt.Sprintf("%s frames=%d stride=%d", label(events), len(events), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(xs).
		AddSeries("Humans", humans).
		AddSeries("Violations", violations)

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(init),
		charts.WithTitleOpts(opts.Title{Title: "Alerts"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1}),
	)
	bar.SetXAxis(xs).
		AddSeries("Restricted entry", restricted).
		AddSeries("Abnormal activity", abnormal)

	page := components.NewPage()
	if o.AssetsHost != "" {
		page.SetAssetsHost(o.AssetsHost)
	}
	page.AddCharts(line, bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return fmt.Errorf("rendering chart: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func chartFile(path string, in Input) error {
	if len(in.Events) == 0 {
		return ErrNoData
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := RenderChart(f, in.Events, ChartOptions{Title: "Crowd analysis"}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
