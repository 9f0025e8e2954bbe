// Package sink hands finished events to a calendar. The pipeline never
// depends on it; callers pick a sink from settings.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"snapcal/internal/config"
	"snapcal/internal/model"
)

// ErrDisabled is returned by the no-op sink.
var ErrDisabled = errors.New("sink: no calendar sink configured")

// Sink accepts a finished event plus the text it was extracted from and
// returns an identifier for what it created.
type Sink interface {
	Create(ctx context.Context, ev model.EventRecord, sourceText string) (string, error)
}

type nop struct{}

func (nop) Create(context.Context, model.EventRecord, string) (string, error) {
	return "", ErrDisabled
}

// FromConfig builds the sink selected by cfg.Kind. loc is used to render
// all-day dates.
func FromConfig(ctx context.Context, cfg config.SinkConfig, loc *time.Location) (Sink, error) {
	switch cfg.Kind {
	case "", "none":
		return nop{}, nil
	case "ics":
		return NewICSDir(cfg.ICSDir), nil
	case "google":
		return NewGoogleCalendar(ctx, cfg.GoogleCredentials, cfg.GoogleToken, cfg.GoogleCalendarID, loc)
	default:
		return nil, fmt.Errorf("sink: unknown kind %q", cfg.Kind)
	}
}
