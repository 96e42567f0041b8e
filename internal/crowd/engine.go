package crowd

import "fmt"

// Settings configures the analytics engine for one stream.
type Settings struct {
	SocialDistanceCheck bool
	// SocialDistance is the pixel distance below which two persons violate.
	SocialDistance float64
	// HighCamera selects centroid distance instead of box gap.
	HighCamera bool

	AbnormalCheck bool
	Abnormal      AbnormalParams

	RestrictedCheck bool
	Restricted      RestrictedWindow

	// ShowDetections draws plain boxes for persons without a stronger
	// mark and enables the crowd count banner.
	ShowDetections bool

	// TimeStep is the seconds between frames used for kinetic energy:
	// 1/fps for file sources and 1 for live sources.
	TimeStep float64
}

// MarkStyle is the colour class of a person's box. The order is the
// precedence order: a higher style always wins.
type MarkStyle int

const (
	MarkNone MarkStyle = iota
	MarkDetection
	MarkViolation
	MarkRestricted
)

func (s MarkStyle) String() string {
	switch s {
	case MarkDetection:
		return "detection"
	case MarkViolation:
		return "violation"
	case MarkRestricted:
		return "restricted"
	default:
		return "none"
	}
}

// Mark is the render instruction for one person.
type Mark struct {
	TrackID    int
	Box        BBox
	Style      MarkStyle
	Violations int
	// Highlight marks an individually abnormal person on a frame whose
	// crowd is flagged abnormal. It is drawn on top of Style.
	Highlight bool
}

// BannerKind identifies one of the frame-level overlay texts.
type BannerKind int

const (
	BannerViolationCount BannerKind = iota
	BannerRestricted
	BannerAbnormal
	BannerCrowdCount
)

// Banner is a frame-level text that has already passed the hold and blink
// rules.
type Banner struct {
	Kind BannerKind
	Text string
}

// FrameResult is everything the engine derives from one frame.
type FrameResult struct {
	Index      int
	Event      CrowdEvent
	Violations ViolationResult
	Abnormal   AbnormalResult
	Warnings   WarningState
	// Triggers are this frame's raw alert conditions before hysteresis.
	Triggers Triggers
	Marks    []Mark
	Banners  []Banner
}

// Triggers are the raw per-frame alert conditions.
type Triggers struct {
	SocialDistance bool
	Restricted     bool
	Abnormal       bool
}

// Engine runs the per-frame analytics. It carries the alert countdowns
// between frames, so one Engine serves exactly one stream and must be fed
// frames in order.
type Engine struct {
	settings Settings
	warnings WarningState
	last     int
}

// NewEngine creates an engine with all countdowns at zero.
func NewEngine(s Settings) *Engine {
	if s.TimeStep <= 0 {
		s.TimeStep = 1
	}
	return &Engine{settings: s}
}

// Settings returns the engine configuration.
func (e *Engine) Settings() Settings {
	return e.settings
}

// Warnings returns the current alert countdowns.
func (e *Engine) Warnings() WarningState {
	return e.warnings
}

// Process analyses one frame. Frames must arrive with strictly increasing
// indices.
func (e *Engine) Process(fc FrameContext) (FrameResult, error) {
	if fc.Index <= e.last {
		return FrameResult{}, fmt.Errorf("frame %d out of order (last processed %d)", fc.Index, e.last)
	}
	e.last = fc.Index
	s := e.settings
	persons := fc.Persons

	restricted := s.RestrictedCheck && s.Restricted.Contains(fc.Timestamp)

	violations := ViolationResult{Set: map[int]struct{}{}, Counts: make([]int, len(persons))}
	if s.SocialDistanceCheck && len(persons) >= 2 {
		violations = DetectViolations(persons, s.SocialDistance, s.HighCamera)
	}

	abnormal := AbnormalResult{Individuals: map[int]struct{}{}, Energies: make([]float64, len(persons))}
	if s.AbnormalCheck {
		abnormal = DetectAbnormal(persons, s.TimeStep, s.Abnormal)
	}

	triggers := Triggers{
		SocialDistance: violations.Len() > 0,
		Restricted:     restricted,
		Abnormal:       abnormal.Crowd,
	}
	e.warnings.Update(triggers.SocialDistance, triggers.Restricted, triggers.Abnormal)

	res := FrameResult{
		Index: fc.Index,
		Event: CrowdEvent{
			FrameIndex:     fc.Index,
			Timestamp:      fc.Timestamp,
			HumanCount:     len(persons),
			ViolationCount: violations.Len(),
			Restricted:     restricted,
			Abnormal:       abnormal.Crowd,
		},
		Violations: violations,
		Abnormal:   abnormal,
		Warnings:   e.warnings,
		Triggers:   triggers,
		Marks:      make([]Mark, len(persons)),
	}

	for i, p := range persons {
		res.Marks[i] = Mark{
			TrackID:    p.ID,
			Box:        p.Box,
			Style:      markStyle(restricted, violations.Contains(i), s.ShowDetections),
			Violations: violations.Counts[i],
			Highlight:  abnormal.Crowd && abnormal.Contains(i),
		}
	}

	res.Banners = e.banners(fc.Index, violations.Len(), len(persons))
	return res, nil
}

func markStyle(restricted, violating, showDetections bool) MarkStyle {
	switch {
	case restricted:
		return MarkRestricted
	case violating:
		return MarkViolation
	case showDetections:
		return MarkDetection
	default:
		return MarkNone
	}
}

func (e *Engine) banners(frame, violations, humans int) []Banner {
	s := e.settings
	var out []Banner
	if s.SocialDistanceCheck && e.warnings.SocialDistanceVisible() {
		out = append(out, Banner{Kind: BannerViolationCount, Text: fmt.Sprintf("Violation count: %d", violations)})
	}
	if s.RestrictedCheck && e.warnings.RestrictedTextVisible(frame) {
		out = append(out, Banner{Kind: BannerRestricted, Text: "RESTRICTED ENTRY"})
	}
	if s.AbnormalCheck && e.warnings.AbnormalTextVisible(frame) {
		out = append(out, Banner{Kind: BannerAbnormal, Text: "ABNORMAL ACTIVITY"})
	}
	if s.ShowDetections {
		out = append(out, Banner{Kind: BannerCrowdCount, Text: fmt.Sprintf("Crowd count: %d", humans)})
	}
	return out
}
