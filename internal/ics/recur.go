package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"snapcal/internal/model"
)

const (
	defaultMaxOccurrences = 500

	// maxIterations bounds Next for rules that start far in the past.
	maxIterations = 100000
)

// ValidateRule checks that rule (without the "RRULE:" prefix) parses.
func ValidateRule(rule string) error {
	rule = strings.TrimPrefix(strings.TrimSpace(rule), "RRULE:")
	if rule == "" {
		return nil
	}
	if _, err := rrule.StrToROption(rule); err != nil {
		return fmt.Errorf("ics: invalid recurrence %q: %w", rule, err)
	}
	return nil
}

// Occurrence is one concrete instance of a recurring event.
type Occurrence struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ExpandConfig bounds an expansion.
type ExpandConfig struct {
	// RangeStart / RangeEnd define the inclusive window.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrences caps the result. Zero means defaultMaxOccurrences.
	MaxOccurrences int
}

// Expand lists the occurrences of ev inside the window. A non-recurring
// event yields itself when it overlaps the window. The second result
// reports whether the cap cut the list short.
func Expand(ev model.EventRecord, cfg ExpandConfig) ([]Occurrence, bool, error) {
	if !ev.HasSchedule() {
		return nil, false, ErrNoSchedule
	}
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, false, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = defaultMaxOccurrences
	}

	start, end := *orEither(ev.Start, ev.End), *orEither(ev.End, ev.Start)
	dur := end.Sub(start)
	if ev.IsAllDay {
		start = dateOf(start)
	}

	rule := strings.TrimPrefix(strings.TrimSpace(ev.Recurrence), "RRULE:")
	if rule == "" {
		if end.Before(cfg.RangeStart) || cfg.RangeEnd.Before(start) {
			return nil, false, nil
		}
		return []Occurrence{{Start: start, End: end}}, false, nil
	}

	r, err := rrule.StrToRRule(rule)
	if err != nil {
		return nil, false, fmt.Errorf("ics: invalid recurrence %q: %w", rule, err)
	}
	r.DTStart(start)

	loc := start.Location()
	times := r.Between(cfg.RangeStart.In(loc), cfg.RangeEnd.In(loc), true)

	truncated := false
	if len(times) > cfg.MaxOccurrences {
		times = times[:cfg.MaxOccurrences]
		truncated = true
	}

	out := make([]Occurrence, 0, len(times))
	for _, t := range times {
		out = append(out, Occurrence{Start: t, End: t.Add(dur)})
	}
	return out, truncated, nil
}

// Next returns up to n upcoming occurrence starts at or after from.
func Next(ev model.EventRecord, from time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	if !ev.HasSchedule() {
		return nil, ErrNoSchedule
	}
	start := *orEither(ev.Start, ev.End)
	if ev.IsAllDay {
		start = dateOf(start)
	}

	rule := strings.TrimPrefix(strings.TrimSpace(ev.Recurrence), "RRULE:")
	if rule == "" {
		if start.Before(from) {
			return []time.Time{}, nil
		}
		return []time.Time{start}, nil
	}

	r, err := rrule.StrToRRule(rule)
	if err != nil {
		return nil, fmt.Errorf("ics: invalid recurrence %q: %w", rule, err)
	}
	r.DTStart(start)

	out := make([]time.Time, 0, n)
	next := r.Iterator()
	for i := 0; len(out) < n && i < maxIterations; i++ {
		t, ok := next()
		if !ok {
			break
		}
		if t.Before(from) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
