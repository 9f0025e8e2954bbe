// Package ics converts event records to and from iCalendar and handles
// their recurrence rules.
package ics

import (
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"snapcal/internal/model"
)

const (
	ProductID = "-//snapcal//snapcal//EN"

	icsDateTime    = "20060102T150405"
	icsDateTimeUTC = "20060102T150405Z"
	icsDate        = "20060102"
)

// ErrNoSchedule is returned when an event without start/end is exported.
var ErrNoSchedule = errors.New("ics: event has no start or end")

// ExportOptions controls how an event is written.
type ExportOptions struct {
	// UID overrides the generated VEVENT UID.
	UID string

	// Description is usually the source text the event was extracted from.
	Description string

	// Now stamps DTSTAMP. Zero means time.Now.
	Now time.Time
}

// Encode renders ev as a single-event VCALENDAR.
func Encode(ev model.EventRecord, opts ExportOptions) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.SetProductId(ProductID)
	cal.SetMethod(ical.MethodPublish)

	if err := addEvent(cal, ev, opts); err != nil {
		return nil, err
	}
	return []byte(cal.Serialize()), nil
}

// UID returns the UID Encode would use for opts, generating one if unset.
func UID(opts ExportOptions) string {
	if opts.UID != "" {
		return opts.UID
	}
	return uuid.NewString() + "@snapcal"
}

func addEvent(cal *ical.Calendar, ev model.EventRecord, opts ExportOptions) error {
	if !ev.HasSchedule() {
		return ErrNoSchedule
	}
	start, end := *orEither(ev.Start, ev.End), *orEither(ev.End, ev.Start)

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	ve := cal.AddEvent(UID(opts))
	ve.SetDtStampTime(now)
	ve.SetSummary(ev.Title)
	if ev.Location != "" {
		ve.SetLocation(ev.Location)
	}
	if opts.Description != "" {
		ve.SetDescription(opts.Description)
	}

	if ev.IsAllDay {
		// DTEND of an all-day event is exclusive: the day after the last day.
		first := dateOf(start)
		last := dateOf(end)
		if last.Before(first) {
			last = first
		}
		ve.SetProperty(ical.ComponentPropertyDtStart, first.Format(icsDate), valueDate())
		ve.SetProperty(ical.ComponentPropertyDtEnd, last.AddDate(0, 0, 1).Format(icsDate), valueDate())
	} else {
		setDateTime(ve, ical.ComponentPropertyDtStart, start)
		setDateTime(ve, ical.ComponentPropertyDtEnd, end)
	}

	if rule := strings.TrimPrefix(strings.TrimSpace(ev.Recurrence), "RRULE:"); rule != "" {
		if err := ValidateRule(rule); err != nil {
			return err
		}
		ve.AddProperty(ical.ComponentPropertyRrule, rule)
	}
	return nil
}

// setDateTime writes t as local time with a TZID when its zone is a real
// IANA zone, and as UTC otherwise.
func setDateTime(ve *ical.VEvent, prop ical.ComponentProperty, t time.Time) {
	if tzid, ok := tzidOf(t.Location()); ok {
		ve.SetProperty(prop, t.Format(icsDateTime), &ical.KeyValues{Key: string(ical.ParameterTzid), Value: []string{tzid}})
		return
	}
	ve.SetProperty(prop, t.UTC().Format(icsDateTimeUTC))
}

func tzidOf(loc *time.Location) (string, bool) {
	name := loc.String()
	if name == "" || name == "UTC" || name == "Local" {
		return "", false
	}
	if _, err := time.LoadLocation(name); err != nil {
		return "", false
	}
	return name, true
}

func valueDate() ical.PropertyParameter {
	return &ical.KeyValues{Key: string(ical.ParameterValue), Value: []string{"DATE"}}
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func orEither(a, b *time.Time) *time.Time {
	if a != nil {
		return a
	}
	return b
}
