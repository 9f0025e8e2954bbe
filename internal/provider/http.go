package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"snapcal/internal/apperr"
)

// maxBody caps how much of a vendor response is read.
const maxBody = 16 << 20

// Client performs single-attempt JSON calls against a vendor REST API and
// maps failures onto the apperr taxonomy. It never retries.
type Client struct {
	HTTP     *http.Client
	Provider string
}

// NewClient returns a Client using hc, or http.DefaultClient when hc is nil.
func NewClient(provider string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{HTTP: hc, Provider: provider}
}

// PostJSON marshals body, POSTs it to url and returns the raw response body
// of a 2xx response.
func (c *Client) PostJSON(ctx context.Context, op, url string, headers http.Header, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op, headers)
}

// GetJSON performs a GET and returns the raw body of a 2xx response.
func (c *Client) GetJSON(ctx context.Context, op, url string, headers http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	return c.do(req, op, headers)
}

func (c *Client) do(req *http.Request, op string, headers http.Header) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, apperr.Network(c.Provider, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, apperr.Network(c.Provider, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.ProviderHTTP(c.Provider, op, resp.StatusCode, errorMessage(body, resp.Status), body)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, apperr.EmptyResponse(c.Provider, op)
	}
	return body, nil
}

// Decode unmarshals a vendor envelope, classifying failures as malformed.
func (c *Client) Decode(op string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.MalformedProviderResponse(c.Provider, op, "invalid JSON envelope", err)
	}
	return nil
}

// errorMessage pulls a human-readable message out of the common vendor error
// envelopes ({"error":{"message":..}} or {"error":".."}), falling back to
// the HTTP status line.
func errorMessage(body []byte, status string) string {
	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &env) != nil || len(env.Error) == 0 {
		return status
	}
	var nested struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(env.Error, &nested) == nil && nested.Message != "" {
		return nested.Message
	}
	var flat string
	if json.Unmarshal(env.Error, &flat) == nil && strings.TrimSpace(flat) != "" {
		return flat
	}
	return status
}

// Bearer returns an Authorization header for key.
func Bearer(key string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+key)
	return h
}

// TrimBase strips a trailing slash so paths can be appended.
func TrimBase(base string) string {
	return strings.TrimRight(base, "/")
}
