package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ClockTime is a wall-clock time of day, timezone-agnostic.
type ClockTime struct {
	Hour   int
	Minute int
}

func (c ClockTime) minuteOfDay() int { return c.Hour*60 + c.Minute }

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return ClockTime{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return ClockTime{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("invalid minute in %q", s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

// Window is a daily quiet window. Start == End means the window is disabled.
// Start > End means the window crosses midnight.
type Window struct {
	Start ClockTime
	End   ClockTime
}

func (w Window) Enabled() bool { return w.Start != w.End }

// Contains reports whether t's wall-clock time falls inside the window.
// Both bounds are inclusive.
func (w Window) Contains(t time.Time) bool {
	if !w.Enabled() {
		return false
	}
	mod := t.Hour()*60 + t.Minute()
	start := w.Start.minuteOfDay()
	end := w.End.minuteOfDay()
	if start > end {
		// Crosses midnight: in window late tonight OR early tomorrow.
		return mod >= start || mod <= end
	}
	return mod >= start && mod <= end
}

// EndAfter returns the first moment at or after t that is outside the
// window. If t is not inside the window, t is returned unchanged.
func (w Window) EndAfter(t time.Time) time.Time {
	if !w.Contains(t) {
		return t
	}
	y, mo, d := t.Date()
	end := time.Date(y, mo, d, w.End.Hour, w.End.Minute, 0, 0, t.Location())
	// One minute past the inclusive end bound.
	end = end.Add(time.Minute)
	if !end.After(t) {
		// We're in the pre-midnight leg of a crossing window; the end is
		// tomorrow morning.
		end = end.AddDate(0, 0, 1)
	}
	return end
}
