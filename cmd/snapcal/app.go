package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"snapcal/internal/catalog"
	"snapcal/internal/config"
	appLog "snapcal/internal/log"
	"snapcal/internal/model"
	"snapcal/internal/pipeline"
	"snapcal/internal/provider"
	"snapcal/internal/provider/gemini"
	"snapcal/internal/provider/ollama"
	"snapcal/internal/provider/openai"
	"snapcal/internal/store"
)

// app is the wired set of components every command works with.
type app struct {
	settings *config.Store
	db       *store.Store
	ring     *appLog.Ring
	log      *appLog.Logger
	http     *http.Client
	loc      *time.Location

	registry provider.Registry
	pipeline *pipeline.Orchestrator
	catalog  *catalog.Fetcher
}

func openApp(opts *Options) (*app, error) {
	path := opts.Config
	if path == "" {
		path = config.DefaultPath()
	}
	settings, err := config.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	settings.OverrideAPIKey(model.ProviderOpenAI, opts.OpenAIKey)
	settings.OverrideAPIKey(model.ProviderGemini, opts.GeminiKey)
	cfg := settings.Snapshot()

	db, err := store.Open(store.Path(cfg.DataDir))
	if err != nil {
		return nil, err
	}

	ring := appLog.NewRing(cfg.LogLimit)
	logger := appLog.New(os.Stderr, ring, db.DiagnosticSink(cfg.LogLimit))
	level := cfg.LogLevel
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger.SetLevel(appLog.ParseLevel(level))

	loc, err := cfg.Location()
	if err != nil {
		logger.Warn("invalid timezone; using local", "timezone", cfg.Timezone, "err", err)
	}

	hc := &http.Client{Timeout: cfg.RequestTimeoutDuration()}
	registry := provider.NewRegistry(
		openai.New(cfg.Provider(model.ProviderOpenAI).BaseURL, hc),
		gemini.New(cfg.Provider(model.ProviderGemini).BaseURL, hc),
		ollama.New(cfg.Provider(model.ProviderOllama).BaseURL, hc),
	)

	logger.Debug("effective config",
		"config_path", settings.Path(),
		"timezone", loc.String(),
		"ocr_method", cfg.OCRMethod,
		"parse_method", cfg.ParseMethod,
		"data_dir", cfg.DataDir,
		"sink", cfg.Sink.Kind,
	)

	return &app{
		settings: settings,
		db:       db,
		ring:     ring,
		log:      logger,
		http:     hc,
		loc:      loc,
		registry: registry,
		pipeline: pipeline.New(registry, logger, pipeline.Options{CollapseLocation: cfg.CollapseLocation}),
		catalog:  catalog.NewFetcher(registry, settings, logger),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
