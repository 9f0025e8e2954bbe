// Package capture turns web pages into pipeline input: a PNG screenshot for
// OCR or the readable article text for direct parsing.
package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	appLog "snapcal/internal/log"
)

// Default capture parameters. The viewport is a tall phone-like page so that
// event flyers and listings fit in one shot.
const (
	DefaultWidth      = 1080
	DefaultHeight     = 1920
	DefaultTimeoutSec = 30
)

// ScreenshotOptions defines parameters for a Chromium-based screenshot.
type ScreenshotOptions struct {
	// URL to capture.
	URL string

	// WaitSelector, when set, must become visible before the screenshot is
	// taken. Otherwise the body element is waited for.
	WaitSelector string

	// Width and Height are the viewport dimensions in pixels. If zero,
	// DefaultWidth / DefaultHeight are used.
	Width  int
	Height int

	// Settle is an extra delay after the wait condition for late paints.
	Settle time.Duration

	// Timeout bounds the entire capture operation. If zero,
	// DefaultTimeoutSec is used.
	Timeout time.Duration

	// Log receives progress entries; nil uses the default logger.
	Log *appLog.Logger
}

// Screenshot launches a headless Chromium via chromedp, navigates to
// opts.URL, waits for the page to render and returns a full-page PNG.
func Screenshot(parentCtx context.Context, opts ScreenshotOptions) ([]byte, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("capture: URL is required")
	}
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Duration(DefaultTimeoutSec) * time.Second
	}
	if opts.Settle <= 0 {
		opts.Settle = 500 * time.Millisecond
	}
	sel := opts.WaitSelector
	if sel == "" {
		sel = "body"
	}

	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	opts.Log.Info("capture screenshot start", "url", redactURL(opts.URL), "width", opts.Width, "height", opts.Height)

	var png []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(opts.URL),
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Sleep(opts.Settle),
		chromedp.FullScreenshot(&png, 100),
	}

	if err := chromedp.Run(ctx, tasks); err != nil {
		opts.Log.Error("capture screenshot failed", err, "url", redactURL(opts.URL))
		return nil, fmt.Errorf("capture: chromedp run failed: %w", err)
	}
	if len(png) == 0 {
		return nil, fmt.Errorf("capture: empty screenshot")
	}

	opts.Log.Info("capture screenshot done", "url", redactURL(opts.URL), "bytes", len(png))
	return png, nil
}
