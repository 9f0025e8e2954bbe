// Package pipeline runs the OCR -> prompt -> parse -> normalize chain.
package pipeline

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"snapcal/internal/apperr"
	appLog "snapcal/internal/log"
	"snapcal/internal/model"
	"snapcal/internal/normalize"
	"snapcal/internal/prompt"
	"snapcal/internal/provider"
)

// Options tune an Orchestrator.
type Options struct {
	// Now overrides the clock used to render the prompt's date context.
	Now func() time.Time

	// CollapseLocation joins multi-line locations into one line.
	CollapseLocation bool
}

// Orchestrator dispatches each step to the adapter selected by method. It
// holds no per-run state; every call does fresh work.
type Orchestrator struct {
	registry provider.Registry
	log      *appLog.Logger
	now      func() time.Time
	collapse bool
}

func New(registry provider.Registry, logger *appLog.Logger, opts Options) *Orchestrator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		registry: registry,
		log:      logger,
		now:      now,
		collapse: opts.CollapseLocation,
	}
}

// Input is either an image to OCR or text to parse directly. Image wins
// when both are set.
type Input struct {
	Image []byte
	Text  string
}

// Result is the outcome of a full run.
type Result struct {
	// Text is the OCR output or the input text as parsed.
	Text string `json:"text"`
	// Payload is the raw JSON-bearing string returned by the parse provider.
	Payload string            `json:"payload"`
	Event   model.EventRecord `json:"event"`
}

// resolve picks the adapter, key and model for one step. It fails before
// any I/O on an unknown method or a missing required key.
func (o *Orchestrator) resolve(method model.Method, capability model.Capability, cfg model.ProviderConfig) (provider.Adapter, string, string, error) {
	adapter, ok := o.registry.Lookup(method)
	if !ok {
		return nil, "", "", apperr.UnsupportedMethod(string(method))
	}
	p := adapter.Name()
	key := cfg.APIKey(p)
	if adapter.RequiresKey() && key == "" {
		return nil, "", "", apperr.MissingCredential(string(p), string(capability))
	}
	modelID := cfg.Model(p, capability)
	if modelID == "" {
		modelID = adapter.DefaultModel(capability)
	}
	return adapter, key, modelID, nil
}

// PerformOCR extracts text from image using method. The image is sent as
// PNG whatever format it arrived in. The result is NFKC normalized so
// ligatures and full-width digits read as plain text.
func (o *Orchestrator) PerformOCR(ctx context.Context, method model.Method, image []byte, cfg model.ProviderConfig) (string, error) {
	adapter, key, modelID, err := o.resolve(method, model.CapabilityOCR, cfg)
	if err != nil {
		o.log.Error("ocr rejected", err, "method", method)
		return "", err
	}

	image, err = AsPNG(image)
	if err != nil {
		o.log.Error("ocr rejected", err, "method", method)
		return "", err
	}

	start := time.Now()
	o.log.Info("ocr started", "provider", adapter.Name(), "model", modelID, "bytes", len(image))
	text, err := adapter.ExtractText(ctx, image, key, modelID)
	if err != nil {
		o.log.Error("ocr failed", err, "provider", adapter.Name(), "model", modelID)
		return "", err
	}
	text = norm.NFKC.String(text)
	o.log.Info("ocr finished", "provider", adapter.Name(), "chars", len(text), "elapsed", time.Since(start).Round(time.Millisecond))
	return text, nil
}

// PerformParse builds the extraction prompt for text and normalizes the
// provider's answer into an event.
func (o *Orchestrator) PerformParse(ctx context.Context, method model.Method, text string, cfg model.ProviderConfig) (model.EventRecord, error) {
	ev, _, err := o.parse(ctx, method, text, cfg)
	return ev, err
}

func (o *Orchestrator) parse(ctx context.Context, method model.Method, text string, cfg model.ProviderConfig) (model.EventRecord, string, error) {
	adapter, key, modelID, err := o.resolve(method, model.CapabilityParse, cfg)
	if err != nil {
		o.log.Error("parse rejected", err, "method", method)
		return model.EventRecord{}, "", err
	}

	loc := cfg.Loc()
	now := o.now().In(loc)
	promptText := prompt.BuildParsePrompt(text, now, prompt.TimezoneLabel(loc, now))

	start := time.Now()
	o.log.Info("parse started", "provider", adapter.Name(), "model", modelID, "chars", len(text))
	payload, err := adapter.ExtractJSONPayload(ctx, promptText, key, modelID)
	if err != nil {
		o.log.Error("parse failed", err, "provider", adapter.Name(), "model", modelID)
		return model.EventRecord{}, "", err
	}
	o.log.Debug("parse payload", "provider", adapter.Name(), "payload", payload)

	ev, err := normalize.Normalize(payload, normalize.Options{Location: loc, CollapseLocation: o.collapse})
	if err != nil {
		o.log.Error("normalize failed", err, "provider", adapter.Name())
		return model.EventRecord{}, payload, err
	}
	if !ev.HasSchedule() {
		o.log.Warn("no date found", "provider", adapter.Name(), "title", ev.Title)
	}
	o.log.Info("parse finished", "provider", adapter.Name(), "title", ev.Title, "has_time", ev.HasTime,
		"recurrence", ev.Recurrence, "elapsed", time.Since(start).Round(time.Millisecond))
	return ev, payload, nil
}

// Run performs OCR when the input carries an image, then parses the text.
func (o *Orchestrator) Run(ctx context.Context, in Input, cfg model.ProviderConfig) (Result, error) {
	text := in.Text
	if len(in.Image) > 0 {
		var err error
		text, err = o.PerformOCR(ctx, cfg.OCRMethod, in.Image, cfg)
		if err != nil {
			return Result{}, err
		}
	}
	text = strings.TrimSpace(text)

	ev, payload, err := o.parse(ctx, cfg.ParseMethod, text, cfg)
	if err != nil {
		return Result{Text: text, Payload: payload}, err
	}
	return Result{Text: text, Payload: payload, Event: ev}, nil
}
