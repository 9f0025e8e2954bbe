// Package ollama adapts a local Ollama server. No credential is needed.
package ollama

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

const DefaultBaseURL = "http://127.0.0.1:11434"

type Adapter struct {
	baseURL string
	client  *provider.Client
}

var _ provider.Adapter = (*Adapter)(nil)

func New(baseURL string, hc *http.Client) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		baseURL: provider.TrimBase(baseURL),
		client:  provider.NewClient(string(model.ProviderOllama), hc),
	}
}

func (a *Adapter) Name() model.Provider { return model.ProviderOllama }

func (a *Adapter) RequiresKey() bool { return false }

func (a *Adapter) DefaultModel(capability model.Capability) string {
	if capability == model.CapabilityOCR {
		return "llava"
	}
	return "llama3.1"
}

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Format   string        `json:"format,omitempty"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Message *struct {
		Content *string `json:"content"`
	} `json:"message"`
}

// headers forwards apiKey as a bearer token for proxies that front Ollama.
func headers(apiKey string) http.Header {
	if apiKey == "" {
		return nil
	}
	return provider.Bearer(apiKey)
}

// ExtractText sends the image base64-encoded in the message's images list.
func (a *Adapter) ExtractText(ctx context.Context, image []byte, apiKey, modelID string) (string, error) {
	req := chatRequest{
		Model: modelID,
		Messages: []chatMessage{{
			Role:    "user",
			Content: prompt.OCRInstruction,
			Images:  []string{base64.StdEncoding.EncodeToString(image)},
		}},
	}
	return a.chat(ctx, "ocr", apiKey, req)
}

// ExtractJSONPayload uses format "json" to constrain output.
func (a *Adapter) ExtractJSONPayload(ctx context.Context, promptText, apiKey, modelID string) (string, error) {
	req := chatRequest{
		Model:    modelID,
		Messages: []chatMessage{{Role: "user", Content: promptText}},
		Format:   "json",
	}
	return a.chat(ctx, "parse", apiKey, req)
}

func (a *Adapter) chat(ctx context.Context, op, apiKey string, req chatRequest) (string, error) {
	body, err := a.client.PostJSON(ctx, op, a.baseURL+"/api/chat", headers(apiKey), req)
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := a.client.Decode(op, body, &resp); err != nil {
		return "", err
	}
	if resp.Message == nil || resp.Message.Content == nil {
		return "", apperr.MalformedProviderResponse(string(a.Name()), op, "message.content missing", nil)
	}
	text := strings.TrimSpace(*resp.Message.Content)
	if text == "" {
		return "", apperr.EmptyResponse(string(a.Name()), op)
	}
	return text, nil
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels returns the locally pulled models from /api/tags.
func (a *Adapter) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	const op = "list-models"
	body, err := a.client.GetJSON(ctx, op, a.baseURL+"/api/tags", headers(apiKey))
	if err != nil {
		return nil, err
	}

	var resp tagsResponse
	if err := a.client.Decode(op, body, &resp); err != nil {
		return nil, err
	}
	if resp.Models == nil {
		return nil, apperr.MalformedProviderResponse(string(a.Name()), op, "models missing", nil)
	}

	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}
