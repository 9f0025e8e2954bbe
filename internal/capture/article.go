package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	appLog "snapcal/internal/log"
)

// MaxPageBytes caps how much of a page body is read.
const MaxPageBytes = 5 << 20

// Fetcher downloads pages for text extraction.
type Fetcher struct {
	client *http.Client
	log    *appLog.Logger
}

// NewFetcher creates a Fetcher. A nil client gets a 15s timeout.
func NewFetcher(client *http.Client, logger *appLog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{client: client, log: logger}
}

// Fetch GETs rawURL and returns the body. Non-2xx responses and bodies
// larger than MaxPageBytes are errors.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if rawURL == "" {
		return nil, errors.New("capture: URL is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	f.log.Info("page fetch start", "url", redactURL(rawURL))

	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Error("page fetch failed", err, "url", redactURL(rawURL))
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f.log.Warn("page fetch non-2xx", "url", redactURL(rawURL), "status", resp.StatusCode)
		return nil, fmt.Errorf("capture: fetch %s: %s", redactURL(rawURL), resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxPageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxPageBytes {
		return nil, fmt.Errorf("capture: page exceeds %d bytes", MaxPageBytes)
	}

	f.log.Info("page fetch success", "url", redactURL(rawURL), "status", resp.StatusCode, "bytes", len(body))
	return body, nil
}

// ArticleText fetches rawURL and returns its readable text with the title
// on the first line.
func (f *Fetcher) ArticleText(ctx context.Context, rawURL string) (string, error) {
	body, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	text, err := ExtractText(body, rawURL)
	if err != nil {
		return "", err
	}
	f.log.Debug("article extracted", "url", redactURL(rawURL), "content_length", len(text))
	return text, nil
}

// ExtractText runs readability over an HTML document.
func ExtractText(html []byte, pageURL string) (string, error) {
	if len(html) == 0 {
		return "", errors.New("capture: HTML data is empty")
	}
	var u *url.URL
	if pageURL != "" {
		parsed, err := url.Parse(pageURL)
		if err != nil {
			return "", fmt.Errorf("capture: parse url: %w", err)
		}
		u = parsed
	}

	article, err := readability.FromReader(bytes.NewReader(html), u)
	if err != nil {
		return "", fmt.Errorf("capture: failed to extract content: %w", err)
	}

	text := strings.TrimSpace(article.TextContent)
	title := strings.TrimSpace(article.Title)
	if text == "" && title == "" {
		return "", errors.New("capture: no content extracted from page")
	}
	if title != "" && !strings.HasPrefix(text, title) {
		text = title + "\n" + text
	}
	return text, nil
}

// redactURL keeps only the scheme and host for logging.
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "url://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + redactedSuffix
}
