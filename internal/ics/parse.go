package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"snapcal/internal/model"
)

// Decode reads every VEVENT in body back into an event record. Times are
// expressed in loc (time.Local when nil). All-day DTEND is exclusive in
// iCalendar and becomes 23:59:59 of the previous day.
func Decode(body []byte, loc *time.Location) ([]model.EventRecord, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("ics: empty body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ics: parse calendar: %w", err)
	}

	var out []model.EventRecord
	for _, ve := range cal.Events() {
		ev, err := decodeEvent(ve, loc)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func decodeEvent(ve *ical.VEvent, loc *time.Location) (model.EventRecord, error) {
	title := propValue(ve, ical.ComponentPropertySummary)
	if title == "" {
		title = model.DefaultTitle
	}
	location := propValue(ve, ical.ComponentPropertyLocation)
	rule := propValue(ve, ical.ComponentPropertyRrule)

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return model.NewEventRecord(title, nil, nil, location, true, rule), nil
	}
	allDay := isDateValue(startProp)

	start, err := parseTime(startProp, loc)
	if err != nil {
		return model.EventRecord{}, fmt.Errorf("ics: DTSTART: %w", err)
	}
	end := start
	if endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); endProp != nil {
		if end, err = parseTime(endProp, loc); err != nil {
			return model.EventRecord{}, fmt.Errorf("ics: DTEND: %w", err)
		}
	}

	if allDay {
		if end.After(start) {
			end = end.AddDate(0, 0, -1)
		}
		end = time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, loc)
	}
	return model.NewEventRecord(title, &start, &end, location, !allDay, rule), nil
}

func propValue(ve *ical.VEvent, p ical.ComponentProperty) string {
	if prop := ve.GetProperty(p); prop != nil {
		return textUnescaper.Replace(prop.Value)
	}
	return ""
}

// textUnescaper reverses RFC 5545 TEXT escaping.
var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func isDateValue(prop *ical.IANAProperty) bool {
	if vs, ok := prop.ICalParameters[string(ical.ParameterValue)]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(prop.Value, "T")
}

// parseTime handles the DATE, floating, TZID and UTC forms.
func parseTime(prop *ical.IANAProperty, loc *time.Location) (time.Time, error) {
	v := strings.TrimSpace(prop.Value)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse(icsDateTimeUTC, v)
		return t.In(loc), err
	case !strings.Contains(v, "T"):
		return time.ParseInLocation(icsDate, v, loc)
	}

	src := loc
	if tzs, ok := prop.ICalParameters[string(ical.ParameterTzid)]; ok && len(tzs) > 0 {
		if l, err := time.LoadLocation(tzs[0]); err == nil {
			src = l
		}
	}
	t, err := time.ParseInLocation(icsDateTime, v, src)
	return t.In(loc), err
}
