package model

import (
	"strings"
	"time"
)

// DefaultTitle is used when a provider response carries no usable title.
const DefaultTitle = "Untitled Event"

// Provider identifies a vendor backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderOllama Provider = "ollama"
)

// Providers lists every known provider in display order.
var Providers = []Provider{ProviderOpenAI, ProviderGemini, ProviderOllama}

// Capability distinguishes the two pipeline steps a provider can serve.
type Capability string

const (
	CapabilityOCR   Capability = "ocr"
	CapabilityParse Capability = "parse"
)

// Method is the identifier the orchestrator dispatches on. It is kept as a
// plain string because it is read straight from settings and HTTP requests.
type Method string

// EventRecord is the structured event produced by the pipeline.
//
// Start and End are local wall-clock times in the caller's timezone. Both are
// nil when the input carried no temporal information; that is a valid outcome
// and not an error.
type EventRecord struct {
	Title      string     `json:"title"`
	Start      *time.Time `json:"start"`
	End        *time.Time `json:"end"`
	Location   string     `json:"location"`
	HasTime    bool       `json:"hasTime"`
	IsAllDay   bool       `json:"isAllDay"`
	Recurrence string     `json:"recurrence"`
}

// NewEventRecord builds a record and derives IsAllDay from hasTime so the two
// flags can never disagree.
func NewEventRecord(title string, start, end *time.Time, location string, hasTime bool, recurrence string) EventRecord {
	return EventRecord{
		Title:      title,
		Start:      copyTime(start),
		End:        copyTime(end),
		Location:   location,
		HasTime:    hasTime,
		IsAllDay:   !hasTime,
		Recurrence: recurrence,
	}
}

// HasSchedule reports whether any temporal information was extracted.
func (e EventRecord) HasSchedule() bool {
	return e.Start != nil || e.End != nil
}

// Edit carries user corrections to an extracted record. Nil fields keep the
// record's value.
type Edit struct {
	Title      *string
	Location   *string
	Recurrence *string
}

// Edited returns a copy of e with the set fields of edit applied. An edited
// title that is blank falls back to DefaultTitle.
func (e EventRecord) Edited(edit Edit) EventRecord {
	title, location, recurrence := e.Title, e.Location, e.Recurrence
	if edit.Title != nil {
		title = strings.TrimSpace(*edit.Title)
		if title == "" {
			title = DefaultTitle
		}
	}
	if edit.Location != nil {
		location = strings.TrimSpace(*edit.Location)
	}
	if edit.Recurrence != nil {
		recurrence = strings.TrimSpace(*edit.Recurrence)
	}
	return NewEventRecord(title, e.Start, e.End, location, e.HasTime, recurrence)
}

// SingleLineLocation returns the location with embedded newlines collapsed to
// ", " for single-line display.
func (e EventRecord) SingleLineLocation() string {
	return CollapseLines(e.Location)
}

// CollapseLines joins the non-empty lines of s with ", ".
func CollapseLines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	parts := strings.Split(s, "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, ", ")
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ProviderConfig is the per-run view of settings: keys, selected models and
// selected methods. It is built once at the start of a run and not modified.
type ProviderConfig struct {
	APIKeys     map[Provider]string
	Models      map[Provider]map[Capability]string
	OCRMethod   Method
	ParseMethod Method

	// Location is the caller's timezone. If nil, time.Local is used.
	Location *time.Location
}

// APIKey returns the configured key for p, or "".
func (c ProviderConfig) APIKey(p Provider) string {
	if c.APIKeys == nil {
		return ""
	}
	return c.APIKeys[p]
}

// Model returns the configured model for p and capability, or "".
func (c ProviderConfig) Model(p Provider, capability Capability) string {
	if c.Models == nil {
		return ""
	}
	return c.Models[p][capability]
}

// Loc returns the configured location, falling back to time.Local.
func (c ProviderConfig) Loc() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}
