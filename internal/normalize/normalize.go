// Package normalize converts a provider's JSON-bearing answer into a
// model.EventRecord. The cleanup stage (Clean) runs first and is kept
// separate from field extraction.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"snapcal/internal/apperr"
	"snapcal/internal/model"
)

// DateTimeLayout is the local date-time shape providers are asked for.
const DateTimeLayout = "2006-01-02T15:04:05"

// defaultTimedDuration is used to derive a missing end (or start) for timed
// events when only one side is known.
const defaultTimedDuration = time.Hour

// Options control calling-context specific behavior.
type Options struct {
	// Location is the zone date-times are interpreted in. Nil means
	// time.Local.
	Location *time.Location

	// CollapseLocation joins multi-line locations with ", ".
	CollapseLocation bool
}

// Normalize parses raw into an EventRecord. It fails with a
// MalformedEventJSON error when the cleaned payload is not a JSON object or a
// start/end value is not a local date-time. Missing start and end are not an
// error: the record is returned with both nil.
func Normalize(raw string, opts Options) (model.EventRecord, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	cleaned := Clean(raw)
	if cleaned == "" {
		return model.EventRecord{}, apperr.MalformedEventJSON("empty payload", nil)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return model.EventRecord{}, apperr.MalformedEventJSON("payload is not a JSON object", err)
	}
	if fields == nil {
		return model.EventRecord{}, apperr.MalformedEventJSON("payload is null", nil)
	}

	title, err := stringField(fields, "title")
	if err != nil {
		return model.EventRecord{}, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = model.DefaultTitle
	}

	start, err := dateTimeField(fields, "start", loc)
	if err != nil {
		return model.EventRecord{}, err
	}
	end, err := dateTimeField(fields, "end", loc)
	if err != nil {
		return model.EventRecord{}, err
	}

	hasTime, err := boolField(fields, "hasTime", true)
	if err != nil {
		return model.EventRecord{}, err
	}

	location, err := stringField(fields, "location")
	if err != nil {
		return model.EventRecord{}, err
	}
	location = strings.TrimSpace(location)
	if opts.CollapseLocation {
		location = model.CollapseLines(location)
	}

	recurrence, err := stringField(fields, "recurrence")
	if err != nil {
		return model.EventRecord{}, err
	}

	start, end = deriveMissing(start, end, hasTime)

	return model.NewEventRecord(title, start, end, location, hasTime, recurrence), nil
}

// deriveMissing fills in the other side when exactly one of start/end is
// known. Both nil stays both nil.
func deriveMissing(start, end *time.Time, hasTime bool) (*time.Time, *time.Time) {
	switch {
	case start != nil && end == nil:
		var e time.Time
		if hasTime {
			e = start.Add(defaultTimedDuration)
		} else {
			e = endOfDay(*start)
		}
		return start, &e
	case start == nil && end != nil:
		var s time.Time
		if hasTime {
			s = end.Add(-defaultTimedDuration)
		} else {
			s = startOfDay(*end)
		}
		return &s, end
	default:
		return start, end
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}

// stringField returns "" for a missing or null key. Numbers and booleans are
// rendered as text; objects and arrays are rejected.
func stringField(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", apperr.MalformedEventJSON(fmt.Sprintf("field %q", key), err)
	}
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case float64, bool:
		return fmt.Sprint(x), nil
	default:
		return "", apperr.MalformedEventJSON(fmt.Sprintf("field %q is not a string", key), nil)
	}
}

func boolField(fields map[string]json.RawMessage, key string, def bool) (bool, error) {
	raw, ok := fields[key]
	if !ok {
		return def, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, apperr.MalformedEventJSON(fmt.Sprintf("field %q", key), err)
	}
	switch x := v.(type) {
	case nil:
		return def, nil
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "":
			return def, nil
		}
	}
	return false, apperr.MalformedEventJSON(fmt.Sprintf("field %q is not a boolean", key), nil)
}

// dateTimeField reads a local date-time. Missing, null, "null" and "" yield
// nil. Anything else must be at least 19 characters; the first 19 are parsed
// and the rest (fractional seconds, offsets) is ignored.
func dateTimeField(fields map[string]json.RawMessage, key string, loc *time.Location) (*time.Time, error) {
	s, err := stringField(fields, key)
	if err != nil {
		return nil, err
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") {
		return nil, nil
	}
	if len(s) < len(DateTimeLayout) {
		return nil, apperr.MalformedEventJSON(fmt.Sprintf("field %q: %q is not a local date-time", key, s), nil)
	}
	t, err := time.ParseInLocation(DateTimeLayout, s[:len(DateTimeLayout)], loc)
	if err != nil {
		return nil, apperr.MalformedEventJSON(fmt.Sprintf("field %q: %q is not a local date-time", key, s), err)
	}
	return &t, nil
}
