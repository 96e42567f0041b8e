package crowd

import (
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock time expressed as seconds since midnight.
type TimeOfDay int

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay(t.Hour()*3600 + t.Minute()*60 + t.Second()), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q: want HH:MM or HH:MM:SS", s)
}

// TimeOfDayOf returns the time of day of t in t's location, truncated to
// whole seconds.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay(t.Hour()*3600 + t.Minute()*60 + t.Second())
}

// Duration returns t as an offset from midnight.
func (t TimeOfDay) Duration() time.Duration {
	return time.Duration(t) * time.Second
}

// sinceMidnight is the offset of t from midnight on its clock, keeping
// sub-second precision.
func sinceMidnight(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(t.Nanosecond())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", int(t)/3600, int(t)/60%60, int(t)%60)
}

// RestrictedWindow is a daily time interval during which the whole frame
// is flagged as restricted. Both bounds are inclusive.
type RestrictedWindow struct {
	Start TimeOfDay
	End   TimeOfDay
}

// Contains reports whether t falls inside the window. Fractions of a
// second count, so a frame 600ms after End is outside.
func (w RestrictedWindow) Contains(t time.Time) bool {
	d := sinceMidnight(t)
	return w.Start.Duration() <= d && d <= w.End.Duration()
}
