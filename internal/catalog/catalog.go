// Package catalog discovers the models each provider offers and keeps the
// last successful list in the settings store.
package catalog

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"snapcal/internal/apperr"
	"snapcal/internal/config"
	appLog "snapcal/internal/log"
	"snapcal/internal/model"
	"snapcal/internal/provider"
)

// deprecatedTokens mark model names that are retired or cannot serve chat
// requests. Any name containing one of them is dropped.
var deprecatedTokens = []string{
	"gpt-3.5",
	"-0301",
	"-0314",
	"-0613",
	"gemini-1.0",
	"gemini-pro-vision",
	"embedding",
	"aqa",
}

// Fetcher lists models through the registered adapters and caches them.
type Fetcher struct {
	registry provider.Registry
	store    *config.Store
	log      *appLog.Logger
}

func NewFetcher(registry provider.Registry, store *config.Store, logger *appLog.Logger) *Fetcher {
	return &Fetcher{registry: registry, store: store, log: logger}
}

// Fetch queries p for its models. On success the filtered, sorted list
// replaces the cached one and is returned. On failure the cache is left
// untouched and the adapter error is returned as is.
func (f *Fetcher) Fetch(ctx context.Context, p model.Provider, apiKey string) ([]string, error) {
	adapter, ok := f.registry.ByProvider(p)
	if !ok {
		return nil, apperr.UnsupportedMethod(string(p))
	}
	if adapter.RequiresKey() && apiKey == "" {
		return nil, apperr.MissingCredential(string(p), "list-models")
	}

	f.log.Debug("fetching model catalog", "provider", p)
	raw, err := adapter.ListModels(ctx, apiKey)
	if err != nil {
		f.log.Error("model catalog fetch failed", err, "provider", p)
		return nil, err
	}

	models := Filter(raw)
	if err := f.store.ReplaceModels(p, models); err != nil {
		return nil, fmt.Errorf("catalog: save %s models: %w", p, err)
	}
	f.log.Info("model catalog updated", "provider", p, "count", len(models), "dropped", len(raw)-len(models))
	return models, nil
}

// FetchConfigured fetches p using the key stored in settings.
func (f *Fetcher) FetchConfigured(ctx context.Context, p model.Provider) ([]string, error) {
	return f.Fetch(ctx, p, f.store.Snapshot().Provider(p).APIKey)
}

// Cached returns the last successfully fetched list for p, or nil.
func (f *Fetcher) Cached(p model.Provider) []string {
	return f.store.CachedModels(p)
}

// Filter removes deprecated and duplicate names and sorts the rest.
func Filter(models []string) []string {
	out := make([]string, 0, len(models))
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m == "" || IsDeprecated(m) {
			continue
		}
		out = append(out, m)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// IsDeprecated reports whether name matches a deprecated token.
func IsDeprecated(name string) bool {
	lower := strings.ToLower(name)
	for _, tok := range deprecatedTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}
