package crowd

// HoldFrames is how many frames an alert stays visible after its trigger
// was last seen.
const HoldFrames = 10

// blinkPeriod suppresses restricted and abnormal text on every third
// frame.
const blinkPeriod = 3

// WarningState holds the three alert countdowns. Counters are reset to
// HoldFrames when triggered and otherwise decremented every frame, going
// negative without bound.
type WarningState struct {
	SocialDistance int `json:"social_distance"`
	Restricted     int `json:"restricted"`
	Abnormal       int `json:"abnormal"`
}

// Update advances all three countdowns by one frame.
func (w *WarningState) Update(socialDistance, restricted, abnormal bool) {
	w.SocialDistance = step(w.SocialDistance, socialDistance)
	w.Restricted = step(w.Restricted, restricted)
	w.Abnormal = step(w.Abnormal, abnormal)
}

func step(counter int, triggered bool) int {
	if triggered {
		return HoldFrames
	}
	return counter - 1
}

// SocialDistanceVisible reports whether the social-distance alert is on.
func (w WarningState) SocialDistanceVisible() bool { return w.SocialDistance > 0 }

// RestrictedVisible reports whether the restricted alert is on.
func (w WarningState) RestrictedVisible() bool { return w.Restricted > 0 }

// AbnormalVisible reports whether the abnormal alert is on.
func (w WarningState) AbnormalVisible() bool { return w.Abnormal > 0 }

// RestrictedTextVisible applies the blink rule on top of RestrictedVisible.
func (w WarningState) RestrictedTextVisible(frame int) bool {
	return w.RestrictedVisible() && frame%blinkPeriod != 0
}

// AbnormalTextVisible applies the blink rule on top of AbnormalVisible.
func (w WarningState) AbnormalTextVisible(frame int) bool {
	return w.AbnormalVisible() && frame%blinkPeriod != 0
}
