package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"snapcal/internal/model"
)

// Refresher re-fetches every usable provider on a cron schedule.
type Refresher struct {
	fetcher *Fetcher
	cron    *cron.Cron
	timeout time.Duration
}

// NewRefresher parses spec (standard 5-field cron) and prepares the job.
// The schedule starts with Start.
func NewRefresher(f *Fetcher, spec string, timeout time.Duration) (*Refresher, error) {
	if timeout <= 0 {
		timeout = time.Minute
	}
	r := &Refresher{
		fetcher: f,
		cron:    cron.New(),
		timeout: timeout,
	}
	if _, err := r.cron.AddFunc(spec, func() { r.RefreshAll(context.Background()) }); err != nil {
		return nil, fmt.Errorf("catalog: invalid refresh schedule %q: %w", spec, err)
	}
	return r, nil
}

func (r *Refresher) Start() { r.cron.Start() }

// Stop halts the schedule and waits for a running refresh, bounded by ctx.
func (r *Refresher) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RefreshAll fetches each registered provider that either has a key or
// needs none. Failures are logged and leave that provider's cache intact.
// It returns the providers that refreshed successfully.
func (r *Refresher) RefreshAll(ctx context.Context) []model.Provider {
	cfg := r.fetcher.store.Snapshot()

	var refreshed []model.Provider
	for _, p := range model.Providers {
		adapter, ok := r.fetcher.registry.ByProvider(p)
		if !ok {
			continue
		}
		key := cfg.Provider(p).APIKey
		if adapter.RequiresKey() && key == "" {
			r.fetcher.log.Debug("skipping catalog refresh without key", "provider", p)
			continue
		}

		fctx, cancel := context.WithTimeout(ctx, r.timeout)
		_, err := r.fetcher.Fetch(fctx, p, key)
		cancel()
		if err == nil {
			refreshed = append(refreshed, p)
		}
	}
	return refreshed
}
