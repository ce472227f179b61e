// Package hours decides whether feeds should be polled at full cadence.
//
// Outside the configured window pollers fall back to a slow interval and
// maintenance jobs (retention) can be confined to their own window.
package hours

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// Window is a daily active period in a fixed timezone.
type Window struct {
	WeekdaysOnly bool
	StartHour    int      // inclusive, 0-23
	EndHour      int      // exclusive, 1-24; 24 means midnight
	Holidays     []string // YYYY-MM-DD dates that are never active
}

// Validate checks the hour bounds.
func (w Window) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 {
		return fmt.Errorf("start_hour must be between 0 and 23, got %d", w.StartHour)
	}
	if w.EndHour < 1 || w.EndHour > 24 {
		return fmt.Errorf("end_hour must be between 1 and 24, got %d", w.EndHour)
	}
	if w.EndHour <= w.StartHour {
		return fmt.Errorf("end_hour (%d) must be after start_hour (%d)", w.EndHour, w.StartHour)
	}
	for _, h := range w.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("invalid holiday %q: %w", h, err)
		}
	}
	return nil
}

// IsActive reports whether now falls inside the window, evaluated in loc.
func IsActive(now time.Time, loc *time.Location, w Window) bool {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	if w.WeekdaysOnly {
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return false
		}
	}

	if len(w.Holidays) > 0 {
		day := local.Format("2006-01-02")
		for _, h := range w.Holidays {
			if h == day {
				return false
			}
		}
	}

	hour := local.Hour()
	return hour >= w.StartHour && hour < w.EndHour
}

// Gate is a Window bound to a loaded timezone.
type Gate struct {
	loc    *time.Location
	window Window
}

// NewGate loads tz and validates the window.
func NewGate(tz string, w Window) (*Gate, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &Gate{loc: loc, window: w}, nil
}

// AlwaysOpen returns a gate that is active around the clock.
func AlwaysOpen() *Gate {
	return &Gate{loc: time.UTC, window: Window{StartHour: 0, EndHour: 24}}
}

// IsActive reports whether now is inside the gate's window.
func (g *Gate) IsActive(now time.Time) bool {
	return IsActive(now, g.loc, g.window)
}

// Interval returns fast while the gate is active, slow otherwise.
func (g *Gate) Interval(now time.Time, fast, slow time.Duration) time.Duration {
	if g.IsActive(now) {
		return fast
	}
	return slow
}

// Location returns the gate's timezone.
func (g *Gate) Location() *time.Location {
	return g.loc
}

// Window returns the configured window.
func (g *Gate) Window() Window {
	return g.window
}
