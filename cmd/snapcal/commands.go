package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"snapcal/internal/apperr"
	"snapcal/internal/capture"
	"snapcal/internal/catalog"
	"snapcal/internal/ics"
	"snapcal/internal/model"
	"snapcal/internal/pipeline"
	"snapcal/internal/sink"
	"snapcal/internal/store"
	"snapcal/internal/web"
)

type extractCommand struct {
	env *env

	Image       string `long:"image" description:"Image file to OCR"`
	URL         string `long:"url" description:"Web page to read"`
	Capture     bool   `long:"capture" description:"Screenshot --url and OCR it instead of reading its text"`
	Reprocess   string `long:"reprocess" value-name:"ID" description:"Parse a stored extraction again; positional text replaces its text"`
	OCRMethod   string `long:"ocr-method" description:"OCR provider for this run (openai, gemini, ollama)"`
	ParseMethod string `long:"parse-method" description:"Parse provider for this run (openai, gemini, ollama)"`
	ICS         string `long:"ics" value-name:"FILE" description:"Also write the event to an .ics file"`
	Sink        bool   `long:"sink" description:"Hand the event to the configured calendar sink"`
	Next        int    `long:"next" default:"3" description:"Upcoming occurrences to list for recurring events"`

	Title    *string `long:"title" description:"Replace the extracted title"`
	Location *string `long:"location" description:"Replace the extracted location"`
	RRule    *string `long:"rrule" description:"Replace the extracted recurrence rule (empty clears it)"`

	Args struct {
		Text []string `positional-arg-name:"text" description:"Text to parse; - reads stdin"`
	} `positional-args:"yes"`
}

type extractOutput struct {
	ID      string            `json:"id"`
	Text    string            `json:"text"`
	Event   model.EventRecord `json:"event"`
	Next    []time.Time       `json:"next,omitempty"`
	ICSPath string            `json:"ics_path,omitempty"`
	SinkRef string            `json:"sink_ref,omitempty"`
}

func (c *extractCommand) Execute(_ []string) error {
	ctx := c.env.ctx
	a, err := openApp(c.env.opts)
	if err != nil {
		return err
	}
	defer a.Close()

	pcfg := a.settings.Snapshot().ProviderConfig()
	if c.OCRMethod != "" {
		pcfg.OCRMethod = model.Method(c.OCRMethod)
	}
	if c.ParseMethod != "" {
		pcfg.ParseMethod = model.Method(c.ParseMethod)
	}

	in, x, err := c.input(ctx, a)
	if err != nil {
		return err
	}
	x.ParseMethod = string(pcfg.ParseMethod)
	if len(in.Image) > 0 {
		x.OCRMethod = string(pcfg.OCRMethod)
	}

	res, runErr := a.pipeline.Run(ctx, in, pcfg)
	if runErr == nil {
		res.Event, runErr = c.edit(res.Event)
	}
	x.Text, x.Payload = res.Text, res.Payload
	if runErr != nil {
		x.ErrorKind = string(apperr.KindOf(runErr))
		x.Error = runErr.Error()
	} else {
		ev := res.Event
		x.Event = &ev
	}
	saved, err := a.db.SaveExtraction(context.WithoutCancel(ctx), x)
	if err != nil {
		a.log.Error("failed to save extraction", err)
	}
	if runErr != nil {
		return fmt.Errorf("extraction %s failed: %w", saved.ID, runErr)
	}

	out := extractOutput{ID: saved.ID, Text: res.Text, Event: res.Event}
	out.Next = preview(a, res.Event, c.Next)

	if c.ICS != "" {
		body, err := ics.Encode(res.Event, ics.ExportOptions{Description: res.Text})
		if err != nil {
			return err
		}
		if err := os.WriteFile(c.ICS, body, 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", c.ICS, err)
		}
		out.ICSPath = c.ICS
	}

	if c.Sink {
		sk, err := sink.FromConfig(ctx, a.settings.Snapshot().Sink, a.loc)
		if err != nil {
			return err
		}
		if out.SinkRef, err = sk.Create(ctx, res.Event, res.Text); err != nil {
			return err
		}
		a.log.Info("event handed to sink", "id", saved.ID, "ref", out.SinkRef)
	}

	return writeOutput(c.env.out, out)
}

// edit applies --title, --location and --rrule to ev.
func (c *extractCommand) edit(ev model.EventRecord) (model.EventRecord, error) {
	if c.Title == nil && c.Location == nil && c.RRule == nil {
		return ev, nil
	}
	if c.RRule != nil {
		if err := ics.ValidateRule(*c.RRule); err != nil {
			return ev, err
		}
	}
	return ev.Edited(model.Edit{Title: c.Title, Location: c.Location, Recurrence: c.RRule}), nil
}

// preview lists up to n upcoming starts of a recurring event.
func preview(a *app, ev model.EventRecord, n int) []time.Time {
	if ev.Recurrence == "" || n <= 0 {
		return nil
	}
	next, err := ics.Next(ev, time.Now().In(a.loc), n)
	if err != nil {
		a.log.Warn("recurrence preview failed", "rule", ev.Recurrence, "err", err)
	}
	return next
}

func writeOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// input resolves the pipeline input and the history row describing it.
func (c *extractCommand) input(ctx context.Context, a *app) (pipeline.Input, store.Extraction, error) {
	text := strings.Join(c.Args.Text, " ")
	if text == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return pipeline.Input{}, store.Extraction{}, err
		}
		text = string(b)
	}

	switch {
	case c.Reprocess != "":
		parent, err := a.db.GetExtraction(ctx, c.Reprocess)
		if err != nil {
			return pipeline.Input{}, store.Extraction{}, err
		}
		return pipeline.Input{Text: cmp.Or(text, parent.Text)},
			store.Extraction{ParentID: parent.ID, Source: store.SourceReprocess}, nil

	case c.Image != "":
		img, err := os.ReadFile(c.Image)
		if err != nil {
			return pipeline.Input{}, store.Extraction{}, err
		}
		return pipeline.Input{Image: img}, store.Extraction{Source: store.SourceImage}, nil

	case c.URL != "" && c.Capture:
		png, err := capture.Screenshot(ctx, capture.ScreenshotOptions{URL: c.URL, Log: a.log})
		if err != nil {
			return pipeline.Input{}, store.Extraction{}, err
		}
		return pipeline.Input{Image: png}, store.Extraction{Source: store.SourceCapture}, nil

	case c.URL != "":
		body, err := capture.NewFetcher(a.http, a.log).ArticleText(ctx, c.URL)
		if err != nil {
			return pipeline.Input{}, store.Extraction{}, err
		}
		return pipeline.Input{Text: body}, store.Extraction{Source: store.SourceURL}, nil
	}

	if strings.TrimSpace(text) == "" {
		return pipeline.Input{}, store.Extraction{}, errors.New("nothing to extract: give text, --image, --url or --reprocess")
	}
	return pipeline.Input{Text: text}, store.Extraction{Source: store.SourceText}, nil
}

type importCommand struct {
	env *env

	Sink bool `long:"sink" description:"Hand every imported event to the configured calendar sink"`
	Next int  `long:"next" default:"3" description:"Upcoming occurrences to list for recurring events"`

	Args struct {
		File string `positional-arg-name:"file" required:"yes" description:"iCalendar file to read; - reads stdin"`
	} `positional-args:"yes"`
}

// Execute stores each VEVENT of the file as an extraction without calling
// a provider, so it can be exported, expanded or reprocessed later.
func (c *importCommand) Execute(_ []string) error {
	ctx := c.env.ctx
	a, err := openApp(c.env.opts)
	if err != nil {
		return err
	}
	defer a.Close()

	var body []byte
	if c.Args.File == "-" {
		body, err = io.ReadAll(os.Stdin)
	} else {
		body, err = os.ReadFile(c.Args.File)
	}
	if err != nil {
		return err
	}
	events, err := ics.Decode(body, a.loc)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("%s: no VEVENT found", c.Args.File)
	}

	var sk sink.Sink
	if c.Sink {
		if sk, err = sink.FromConfig(ctx, a.settings.Snapshot().Sink, a.loc); err != nil {
			return err
		}
	}

	outs := make([]extractOutput, 0, len(events))
	for _, ev := range events {
		text := ev.Title
		if b, err := ics.Encode(ev, ics.ExportOptions{}); err == nil {
			text = string(b)
		}
		e := ev
		saved, err := a.db.SaveExtraction(context.WithoutCancel(ctx), store.Extraction{
			Source: store.SourceICS,
			Text:   text,
			Event:  &e,
		})
		if err != nil {
			return err
		}
		out := extractOutput{ID: saved.ID, Text: text, Event: ev, Next: preview(a, ev, c.Next)}
		if sk != nil {
			if out.SinkRef, err = sk.Create(ctx, ev, text); err != nil {
				return err
			}
			a.log.Info("event handed to sink", "id", saved.ID, "ref", out.SinkRef)
		}
		outs = append(outs, out)
	}
	a.log.Info("calendar imported", "file", c.Args.File, "events", len(outs))
	return writeOutput(c.env.out, outs)
}

type modelsCommand struct {
	env *env

	Refresh bool `short:"r" long:"refresh" description:"Fetch from the provider and replace the cache"`

	Args struct {
		Providers []string `positional-arg-name:"provider"`
	} `positional-args:"yes"`
}

func (c *modelsCommand) Execute(_ []string) error {
	a, err := openApp(c.env.opts)
	if err != nil {
		return err
	}
	defer a.Close()

	providers := model.Providers
	if len(c.Args.Providers) > 0 {
		providers = nil
		for _, name := range c.Args.Providers {
			providers = append(providers, model.Provider(name))
		}
	}

	var errs []error
	for _, p := range providers {
		var models []string
		if c.Refresh {
			models, err = a.catalog.FetchConfigured(c.env.ctx, p)
			if err != nil {
				fmt.Fprintf(c.env.out, "%s: error: %v\n", p, err)
				errs = append(errs, err)
				continue
			}
		} else {
			if !slices.Contains(model.Providers, p) {
				errs = append(errs, apperr.UnsupportedMethod(string(p)))
				continue
			}
			models = a.catalog.Cached(p)
			if models == nil {
				fmt.Fprintf(c.env.out, "%s: (not fetched)\n", p)
				continue
			}
		}
		fmt.Fprintf(c.env.out, "%s: %s\n", p, strings.Join(models, ", "))
	}
	return errors.Join(errs...)
}

type keyCommand struct {
	env *env

	Args struct {
		Provider string `positional-arg-name:"provider" required:"yes"`
		Key      string `positional-arg-name:"key" required:"yes"`
	} `positional-args:"yes"`
}

func (c *keyCommand) Execute(_ []string) error {
	p := model.Provider(c.Args.Provider)
	if !slices.Contains(model.Providers, p) {
		return apperr.UnsupportedMethod(string(p))
	}
	a, err := openApp(c.env.opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.settings.SetAPIKey(p, c.Args.Key); err != nil {
		return err
	}
	a.log.Info("api key saved", "provider", p, "config_path", a.settings.Path())
	return nil
}

type serveCommand struct {
	env *env

	Listen  string `long:"listen" env:"SNAPCAL_LISTEN" description:"HTTP listen address (overrides config)"`
	Workers int    `long:"workers" default:"2" description:"Concurrent pipeline runs"`
}

func (c *serveCommand) Execute(_ []string) error {
	ctx := c.env.ctx
	a, err := openApp(c.env.opts)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.settings.Snapshot()

	lane := pipeline.NewLane(c.Workers, c.Workers*4)
	defer lane.Close()

	if cfg.CatalogRefresh != "" {
		refresher, err := catalog.NewRefresher(a.catalog, cfg.CatalogRefresh, cfg.RequestTimeoutDuration())
		if err != nil {
			return err
		}
		refresher.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			refresher.Stop(stopCtx)
		}()
		a.log.Info("model catalog refresh scheduled", "schedule", cfg.CatalogRefresh)
	}

	var sk sink.Sink
	if cfg.Sink.Kind != "" {
		if sk, err = sink.FromConfig(ctx, cfg.Sink, a.loc); err != nil {
			a.log.Error("calendar sink disabled", err, "kind", cfg.Sink.Kind)
			sk = nil
		}
	}

	srv := web.NewServer(web.Deps{
		Settings: a.settings,
		Pipeline: a.pipeline,
		Catalog:  a.catalog,
		Lane:     lane,
		Store:    a.db,
		Ring:     a.ring,
		Sink:     sk,
		Pages:    capture.NewFetcher(a.http, a.log),
		Log:      a.log,
	})
	err = srv.ListenAndServe(ctx, cmp.Or(c.Listen, cfg.Listen))
	a.log.Info("snapcal exiting")
	return err
}

type logsCommand struct {
	env *env

	Limit int  `short:"n" long:"limit" default:"50" description:"Entries to show, newest first (0 for all)"`
	Clear bool `long:"clear" description:"Delete every stored entry"`
}

func (c *logsCommand) Execute(_ []string) error {
	a, err := openApp(c.env.opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if c.Clear {
		return a.db.ClearDiagnostics(c.env.ctx)
	}
	entries, err := a.db.Diagnostics(c.env.ctx, c.Limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintln(c.env.out, e.String())
	}
	return nil
}
