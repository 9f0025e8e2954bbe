package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"snapcal/internal/ics"
	"snapcal/internal/model"
)

// GoogleCalendar inserts events through the Calendar API.
type GoogleCalendar struct {
	srv        *calendar.Service
	calendarID string
	loc        *time.Location
}

// NewGoogleCalendar authorizes with an OAuth client secret file and a token
// file obtained earlier. There is no interactive flow here: a missing token
// is an error.
func NewGoogleCalendar(ctx context.Context, credentialsPath, tokenPath, calendarID string, loc *time.Location) (*GoogleCalendar, error) {
	b, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret file %s: %w", credentialsPath, err)
	}
	cfg, err := google.ConfigFromJSON(b, calendar.CalendarEventsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	tok, err := tokenFromFile(tokenPath)
	if err != nil {
		return nil, err
	}

	srv, err := calendar.NewService(ctx, option.WithHTTPClient(cfg.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve Google Calendar service: %w", err)
	}
	return NewGoogleCalendarWithService(srv, calendarID, loc), nil
}

// NewGoogleCalendarWithService wraps an existing service. An empty
// calendarID means "primary".
func NewGoogleCalendarWithService(srv *calendar.Service, calendarID string, loc *time.Location) *GoogleCalendar {
	if calendarID == "" {
		calendarID = "primary"
	}
	if loc == nil {
		loc = time.Local
	}
	return &GoogleCalendar{srv: srv, calendarID: calendarID, loc: loc}
}

// Create inserts ev and returns the created event's ID.
func (g *GoogleCalendar) Create(ctx context.Context, ev model.EventRecord, sourceText string) (string, error) {
	event, err := ToCalendarEvent(ev, sourceText, g.loc)
	if err != nil {
		return "", err
	}
	created, err := g.srv.Events.Insert(g.calendarID, event).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("sink: insert google calendar event: %w", err)
	}
	return created.Id, nil
}

// ToCalendarEvent converts ev to the Calendar API shape. All-day events use
// date fields with an exclusive end date.
func ToCalendarEvent(ev model.EventRecord, sourceText string, loc *time.Location) (*calendar.Event, error) {
	if !ev.HasSchedule() {
		return nil, ics.ErrNoSchedule
	}
	if err := ics.ValidateRule(ev.Recurrence); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}

	start, end := ev.Start, ev.End
	if start == nil {
		start = end
	}
	if end == nil {
		end = start
	}

	out := &calendar.Event{
		Summary:     ev.Title,
		Location:    ev.SingleLineLocation(),
		Description: sourceText,
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{"snapcal": "1"},
		},
	}

	if ev.IsAllDay {
		first := start.In(loc)
		last := end.In(loc)
		if last.Before(first) {
			last = first
		}
		out.Start = &calendar.EventDateTime{Date: first.Format("2006-01-02")}
		out.End = &calendar.EventDateTime{Date: last.AddDate(0, 0, 1).Format("2006-01-02")}
	} else {
		out.Start = eventDateTime(*start)
		out.End = eventDateTime(*end)
	}

	if rule := strings.TrimPrefix(strings.TrimSpace(ev.Recurrence), "RRULE:"); rule != "" {
		out.Recurrence = []string{"RRULE:" + rule}
		// Recurring events need an explicit zone.
		if out.Start.TimeZone == "" && out.Start.DateTime != "" {
			out.Start.TimeZone = "UTC"
			out.End.TimeZone = "UTC"
		}
	}
	return out, nil
}

func eventDateTime(t time.Time) *calendar.EventDateTime {
	dt := &calendar.EventDateTime{DateTime: t.Format(time.RFC3339)}
	if name := t.Location().String(); name != "" && name != "Local" {
		if _, err := time.LoadLocation(name); err == nil {
			dt.TimeZone = name
		}
	}
	return dt
}

// tokenFromFile reads an oauth2.Token from a JSON file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	if file == "" {
		return nil, errors.New("sink: google token path is empty")
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("sink: open google token: %w", err)
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("failed to decode token from file %s: %w", file, err)
	}
	return tok, nil
}
