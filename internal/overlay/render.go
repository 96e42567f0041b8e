package overlay

import (
	"image"
	"image/color"
	"strconv"

	"github.com/banshee-data/crowdwatch/internal/crowd"
)

// Palette entries.
var (
	Red    = color.RGBA{R: 255, A: 255}
	Yellow = color.RGBA{R: 255, G: 255, A: 255}
	Green  = color.RGBA{G: 255, A: 255}
	Blue   = color.RGBA{B: 255, A: 255}
	White  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

const (
	restrictedInset     = 5
	restrictedThickness = 5
	boxThickness        = 2
	highlightThickness  = 5
	labelScale          = 0.8
)

// Options toggles the optional per-person labels.
type Options struct {
	ShowViolationCount bool
	ShowTrackingID     bool
}

// Render draws marks then banners for one analysed frame.
func Render(c Canvas, res crowd.FrameResult, opts Options) {
	for _, m := range res.Marks {
		drawMark(c, m, opts)
	}
	for _, m := range res.Marks {
		if m.Highlight {
			c.Rect(m.Box.Rect(), Blue, highlightThickness)
		}
	}
	h := c.Bounds().Dy()
	for _, b := range res.Banners {
		drawBanner(c, b, h)
	}
}

func drawMark(c Canvas, m crowd.Mark, opts Options) {
	r := m.Box.Rect()
	switch m.Style {
	case crowd.MarkRestricted:
		c.Rect(r.Inset(restrictedInset), Red, restrictedThickness)
	case crowd.MarkViolation:
		c.Rect(r, Yellow, boxThickness)
		if opts.ShowViolationCount {
			c.Text(strconv.Itoa(m.Violations), r.Min.Add(image.Pt(0, -10)), labelScale, Yellow, 2)
		}
	case crowd.MarkDetection:
		c.Rect(r, Green, boxThickness)
		if opts.ShowViolationCount {
			c.Text(strconv.Itoa(m.Violations), r.Min.Add(image.Pt(0, -10)), labelScale, Green, 2)
		}
	}
	if opts.ShowTrackingID {
		c.Text(strconv.Itoa(m.TrackID), r.Min.Add(image.Pt(0, -30)), labelScale, White, 2)
	}
}

func drawBanner(c Canvas, b crowd.Banner, height int) {
	switch b.Kind {
	case crowd.BannerViolationCount:
		c.Text(b.Text, image.Pt(200, height-30), 1, Red, 3)
	case crowd.BannerRestricted:
		c.Text(b.Text, image.Pt(200, 100), 1, Red, 3)
	case crowd.BannerAbnormal:
		c.Text(b.Text, image.Pt(130, 250), 1.5, Blue, 5)
	case crowd.BannerCrowdCount:
		c.Text(b.Text, image.Pt(10, 30), 1, White, 3)
	}
}
