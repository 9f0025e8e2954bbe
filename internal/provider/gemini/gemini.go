// Package gemini adapts the Gemini API to the provider interfaces using the
// google.golang.org/genai SDK.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"google.golang.org/genai"

	"snapcal/internal/apperr"
	"snapcal/internal/model"
	"snapcal/internal/prompt"
	"snapcal/internal/provider"
)

const name = string(model.ProviderGemini)

// Adapter creates a genai client per call, keyed by the caller's API key.
type Adapter struct {
	baseURL string
	hc      *http.Client
}

var _ provider.Adapter = (*Adapter)(nil)

// New returns an adapter. baseURL overrides the SDK endpoint when non-empty.
func New(baseURL string, hc *http.Client) *Adapter {
	return &Adapter{baseURL: baseURL, hc: hc}
}

func (a *Adapter) Name() model.Provider { return model.ProviderGemini }

func (a *Adapter) RequiresKey() bool { return true }

func (a *Adapter) DefaultModel(model.Capability) string { return "gemini-2.0-flash" }

func (a *Adapter) client(ctx context.Context, op, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, apperr.MissingCredential(name, op)
	}
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: a.hc,
	}
	if a.baseURL != "" {
		base := a.baseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, apperr.Network(name, op, err)
	}
	return c, nil
}

// ExtractText sends the OCR instruction followed by the image as inline PNG
// data in a single user turn.
func (a *Adapter) ExtractText(ctx context.Context, image []byte, apiKey, modelID string) (string, error) {
	const op = "ocr"
	c, err := a.client(ctx, op, apiKey)
	if err != nil {
		return "", err
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt.OCRInstruction),
			genai.NewPartFromBytes(image, "image/png"),
		}, genai.RoleUser),
	}
	resp, err := c.Models.GenerateContent(ctx, modelID, contents, nil)
	if err != nil {
		return "", classify(op, err)
	}
	return firstText(op, resp)
}

// ExtractJSONPayload requests application/json output.
func (a *Adapter) ExtractJSONPayload(ctx context.Context, promptText, apiKey, modelID string) (string, error) {
	const op = "parse"
	c, err := a.client(ctx, op, apiKey)
	if err != nil {
		return "", err
	}

	cfg := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	resp, err := c.Models.GenerateContent(ctx, modelID, genai.Text(promptText), cfg)
	if err != nil {
		return "", classify(op, err)
	}
	return firstText(op, resp)
}

// firstText joins the text parts of the first candidate.
func firstText(op string, resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", apperr.MalformedProviderResponse(name, op, "no candidates", nil)
	}
	content := resp.Candidates[0].Content
	if content == nil || len(content.Parts) == 0 {
		return "", apperr.MalformedProviderResponse(name, op, "candidates[0].content.parts missing", nil)
	}

	var b strings.Builder
	for _, p := range content.Parts {
		if p != nil {
			b.WriteString(p.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", apperr.EmptyResponse(name, op)
	}
	return text, nil
}

// ListModels returns generateContent-capable models with the "models/"
// prefix removed.
func (a *Adapter) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	const op = "list-models"
	c, err := a.client(ctx, op, apiKey)
	if err != nil {
		return nil, err
	}

	var ids []string
	for m, err := range c.Models.All(ctx) {
		if err != nil {
			return nil, classify(op, err)
		}
		if m == nil || m.Name == "" {
			continue
		}
		if len(m.SupportedActions) > 0 && !slices.Contains(m.SupportedActions, "generateContent") {
			continue
		}
		ids = append(ids, strings.TrimPrefix(m.Name, "models/"))
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// classify maps SDK errors onto the shared taxonomy. APIError carries the
// vendor status; transport and context failures are network errors; anything
// else means the SDK could not make sense of the response.
func classify(op string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErrorToHTTP(op, apiErr)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrorToHTTP(op, *apiErrPtr)
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Network(name, op, err)
	}
	return apperr.MalformedProviderResponse(name, op, "unreadable response", err)
}

// vendorError mirrors the {"error": {...}} body the API returned; the SDK
// keeps only the decoded fields.
type vendorError struct {
	Error struct {
		Code    int              `json:"code"`
		Message string           `json:"message,omitempty"`
		Status  string           `json:"status,omitempty"`
		Details []map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func apiErrorToHTTP(op string, e genai.APIError) error {
	msg := e.Message
	if msg == "" {
		msg = e.Status
	}
	var body vendorError
	body.Error.Code = e.Code
	body.Error.Message = e.Message
	body.Error.Status = e.Status
	body.Error.Details = e.Details
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(e.Message)
	}
	return apperr.ProviderHTTP(name, op, e.Code, msg, raw)
}
