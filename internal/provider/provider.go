// Package provider defines the capability interfaces every vendor adapter
// implements, plus the shared HTTP plumbing used by the REST-based adapters.
package provider

import (
	"context"

	"snapcal/internal/model"
)

// OCRProvider turns an image into plain text.
type OCRProvider interface {
	// ExtractText sends image (PNG bytes) with the OCR instruction and
	// returns the vendor's answer reduced to a flat string.
	ExtractText(ctx context.Context, image []byte, apiKey, model string) (string, error)
}

// ParseProvider answers an extraction prompt with a JSON-bearing string.
type ParseProvider interface {
	// ExtractJSONPayload sends prompt as the sole instruction, requesting
	// the vendor's strict-JSON mode where one exists.
	ExtractJSONPayload(ctx context.Context, prompt, apiKey, model string) (string, error)
}

// ModelLister discovers the model identifiers available to a key.
type ModelLister interface {
	ListModels(ctx context.Context, apiKey string) ([]string, error)
}

// Adapter is a complete vendor integration.
type Adapter interface {
	OCRProvider
	ParseProvider
	ModelLister

	Name() model.Provider

	// RequiresKey is false for local backends that accept anonymous calls.
	RequiresKey() bool

	// DefaultModel is used when settings select no model for capability.
	DefaultModel(capability model.Capability) string
}

// Registry maps method identifiers to adapters.
type Registry map[model.Method]Adapter

// NewRegistry indexes adapters by their provider name.
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[model.Method(a.Name())] = a
	}
	return r
}

// Lookup returns the adapter for method.
func (r Registry) Lookup(method model.Method) (Adapter, bool) {
	a, ok := r[method]
	return a, ok
}

// ByProvider returns the adapter registered for p.
func (r Registry) ByProvider(p model.Provider) (Adapter, bool) {
	return r.Lookup(model.Method(p))
}
