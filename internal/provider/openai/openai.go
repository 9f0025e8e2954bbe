// Package openai adapts OpenAI-compatible chat completion APIs (vision and
// chat) to the provider interfaces.
package openai

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"snapcal/internal/apperr"
	"snapcal/internal/model"
	"snapcal/internal/prompt"
	"snapcal/internal/provider"
)

const DefaultBaseURL = "https://api.openai.com"

// Adapter talks to /v1/chat/completions and /v1/models.
type Adapter struct {
	baseURL string
	client  *provider.Client
}

var _ provider.Adapter = (*Adapter)(nil)

// New returns an adapter for baseURL (DefaultBaseURL when empty).
func New(baseURL string, hc *http.Client) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		baseURL: provider.TrimBase(baseURL),
		client:  provider.NewClient(string(model.ProviderOpenAI), hc),
	}
}

func (a *Adapter) Name() model.Provider { return model.ProviderOpenAI }

func (a *Adapter) RequiresKey() bool { return true }

func (a *Adapter) DefaultModel(capability model.Capability) string {
	if capability == model.CapabilityOCR {
		return "gpt-4o"
	}
	return "gpt-4o-mini"
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ExtractText sends one user turn with the OCR instruction and the image as
// a base64 data URL.
func (a *Adapter) ExtractText(ctx context.Context, image []byte, apiKey, modelID string) (string, error) {
	const op = "ocr"
	if apiKey == "" {
		return "", apperr.MissingCredential(string(a.Name()), op)
	}

	req := chatRequest{
		Model: modelID,
		Messages: []message{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt.OCRInstruction},
				{Type: "image_url", ImageURL: &imageURL{
					URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(image),
				}},
			},
		}},
	}
	return a.complete(ctx, op, apiKey, req)
}

// ExtractJSONPayload sends the prompt with response_format json_object.
func (a *Adapter) ExtractJSONPayload(ctx context.Context, promptText, apiKey, modelID string) (string, error) {
	const op = "parse"
	if apiKey == "" {
		return "", apperr.MissingCredential(string(a.Name()), op)
	}

	req := chatRequest{
		Model:          modelID,
		Messages:       []message{{Role: "user", Content: promptText}},
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	return a.complete(ctx, op, apiKey, req)
}

func (a *Adapter) complete(ctx context.Context, op, apiKey string, req chatRequest) (string, error) {
	body, err := a.client.PostJSON(ctx, op, a.baseURL+"/v1/chat/completions", provider.Bearer(apiKey), req)
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := a.client.Decode(op, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", apperr.MalformedProviderResponse(string(a.Name()), op, "no choices", nil)
	}
	msg := resp.Choices[0].Message
	if msg == nil || msg.Content == nil {
		return "", apperr.MalformedProviderResponse(string(a.Name()), op, "choices[0].message.content missing", nil)
	}
	text := strings.TrimSpace(*msg.Content)
	if text == "" {
		return "", apperr.EmptyResponse(string(a.Name()), op)
	}
	return text, nil
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels returns data[].id from /v1/models in response order.
func (a *Adapter) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	const op = "list-models"
	if apiKey == "" {
		return nil, apperr.MissingCredential(string(a.Name()), op)
	}

	body, err := a.client.GetJSON(ctx, op, a.baseURL+"/v1/models", provider.Bearer(apiKey))
	if err != nil {
		return nil, err
	}

	var resp modelsResponse
	if err := a.client.Decode(op, body, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, apperr.MalformedProviderResponse(string(a.Name()), op, "data missing", nil)
	}

	ids := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}
