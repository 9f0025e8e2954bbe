// Package providertest provides a scripted in-memory adapter for tests.
package providertest

import (
	"context"
	"sync"

	"snapcal/internal/apperr"
	"snapcal/internal/model"
	"snapcal/internal/provider"
)

// Call records one invocation of the fake.
type Call struct {
	Op     string
	APIKey string
	Model  string
	Input  string
	Image  []byte
}

// Fake answers with canned values. A set error field takes precedence over
// the matching value. When NeedsKey is true an empty key fails with
// MissingCredential before anything is recorded.
type Fake struct {
	Provider model.Provider
	NeedsKey bool

	OCRText  string
	OCRErr   error
	Payload  string
	ParseErr error
	Models   []string
	ListErr  error

	// Block, when non-nil, is waited on (or ctx) before each answer.
	Block chan struct{}

	mu    sync.Mutex
	calls []Call
}

var _ provider.Adapter = (*Fake)(nil)

func (f *Fake) Name() model.Provider {
	if f.Provider == "" {
		return model.ProviderOpenAI
	}
	return f.Provider
}

func (f *Fake) RequiresKey() bool { return f.NeedsKey }

func (f *Fake) DefaultModel(c model.Capability) string { return "default-" + string(c) }

// Calls returns a copy of the recorded invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func (f *Fake) enter(ctx context.Context, c Call) error {
	if f.NeedsKey && c.APIKey == "" {
		return apperr.MissingCredential(string(f.Name()), c.Op)
	}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()

	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return apperr.Network(string(f.Name()), c.Op, ctx.Err())
		}
	}
	return nil
}

func (f *Fake) ExtractText(ctx context.Context, image []byte, apiKey, m string) (string, error) {
	if err := f.enter(ctx, Call{Op: "ocr", APIKey: apiKey, Model: m, Image: image}); err != nil {
		return "", err
	}
	if f.OCRErr != nil {
		return "", f.OCRErr
	}
	return f.OCRText, nil
}

func (f *Fake) ExtractJSONPayload(ctx context.Context, prompt, apiKey, m string) (string, error) {
	if err := f.enter(ctx, Call{Op: "parse", APIKey: apiKey, Model: m, Input: prompt}); err != nil {
		return "", err
	}
	if f.ParseErr != nil {
		return "", f.ParseErr
	}
	return f.Payload, nil
}

func (f *Fake) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	if err := f.enter(ctx, Call{Op: "list-models", APIKey: apiKey}); err != nil {
		return nil, err
	}
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return append([]string(nil), f.Models...), nil
}
