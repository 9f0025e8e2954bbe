package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"snapcal/internal/apperr"
	"snapcal/internal/capture"
	"snapcal/internal/ics"
	appLog "snapcal/internal/log"
	"snapcal/internal/model"
	"snapcal/internal/pipeline"
	"snapcal/internal/store"
)

const (
	maxUpload       = 20 << 20
	maxJSONBody     = 1 << 20
	previewCount    = 3
	shutdownTimeout = 10 * time.Second

	// occurrenceWindow is the default span listed by the occurrences
	// endpoint.
	occurrenceWindow = 90 * 24 * time.Hour
)

type ocrResponse struct {
	Text string `json:"text"`
}

type parseRequest struct {
	Text string `json:"text"`
	// ParentID links a re-parse of edited text to the extraction it came
	// from. When Text is empty the parent's text is parsed again.
	ParentID string `json:"parent_id,omitempty"`
	// Method overrides the configured parse method for this call.
	Method string `json:"method,omitempty"`
}

type extractRequest struct {
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	// Capture screenshots URL and OCRs it instead of reading its text.
	Capture bool `json:"capture,omitempty"`
	Sink    bool `json:"sink,omitempty"`
}

type extractResponse struct {
	ID        string            `json:"id,omitempty"`
	Text      string            `json:"text"`
	Event     model.EventRecord `json:"event"`
	Next      []time.Time       `json:"next,omitempty"`
	SinkRef   string            `json:"sink_ref,omitempty"`
	SinkError string            `json:"sink_error,omitempty"`
}

type modelsResponse struct {
	Provider string   `json:"provider"`
	Models   []string `json:"models"`
	Fetched  bool     `json:"fetched"`
}

type refreshRequest struct {
	APIKey string `json:"api_key,omitempty"`
}

type eventICSRequest struct {
	Event       *model.EventRecord `json:"event,omitempty"`
	Description string             `json:"description,omitempty"`
	// ID exports a stored extraction instead of an inline event.
	ID string `json:"id,omitempty"`
}

// handleOCR runs only the OCR step on an uploaded image.
//
// POST /api/ocr (multipart, field "image")
func (s *Server) handleOCR(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	img, err := readImage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(img) == 0 {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}

	pcfg := s.Settings.Snapshot().ProviderConfig()
	text, err := s.Pipeline.PerformOCR(r.Context(), pcfg.OCRMethod, img, pcfg)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ocrResponse{Text: text})
}

// handleParse parses text directly, typically text the user edited after
// OCR.
//
// POST /api/parse {"text": "...", "parent_id": "..."}
func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	var req parseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	source := store.SourceText
	if req.ParentID != "" {
		source = store.SourceReprocess
		if strings.TrimSpace(req.Text) == "" {
			parent, ok := s.loadExtraction(w, r, req.ParentID)
			if !ok {
				return
			}
			req.Text = parent.Text
		}
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	pcfg := s.Settings.Snapshot().ProviderConfig()
	if req.Method != "" {
		pcfg.ParseMethod = model.Method(req.Method)
	}

	res, err := s.run(r.Context(), pipeline.Input{Text: req.Text}, pcfg)
	id := s.record(r.Context(), store.Extraction{
		ParentID:    req.ParentID,
		Source:      source,
		ParseMethod: string(pcfg.ParseMethod),
	}, res, err)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.extractResponse(id, res))
}

// handleExtract runs the whole pipeline on an image, text or web page.
//
// POST /api/extract (multipart "image"/"text"/"url", or JSON extractRequest)
// ?sink=true hands a successful event to the configured sink.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)

	var (
		req extractRequest
		in  pipeline.Input
	)
	if isMultipart(r) {
		img, err := readImage(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		in.Image = img
		req.Text = r.FormValue("text")
		req.URL = r.FormValue("url")
		req.Capture, _ = strconv.ParseBool(r.FormValue("capture"))
		req.Sink, _ = strconv.ParseBool(r.FormValue("sink"))
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if v, err := strconv.ParseBool(r.URL.Query().Get("sink")); err == nil {
		req.Sink = v
	}

	source := store.SourceText
	switch {
	case len(in.Image) > 0:
		source = store.SourceImage
	case req.URL != "" && req.Capture:
		png, err := capture.Screenshot(ctx, capture.ScreenshotOptions{URL: req.URL, Log: s.Log})
		if err != nil {
			s.Log.Error("page capture failed", err)
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		in.Image = png
		source = store.SourceCapture
	case req.URL != "":
		text, err := s.Pages.ArticleText(ctx, req.URL)
		if err != nil {
			s.Log.Error("page text extraction failed", err)
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		req.Text = text
		source = store.SourceURL
	}
	in.Text = req.Text
	if len(in.Image) == 0 && strings.TrimSpace(in.Text) == "" {
		writeError(w, http.StatusBadRequest, "image, text or url is required")
		return
	}

	pcfg := s.Settings.Snapshot().ProviderConfig()
	x := store.Extraction{Source: source, ParseMethod: string(pcfg.ParseMethod)}
	if len(in.Image) > 0 {
		x.OCRMethod = string(pcfg.OCRMethod)
	}

	res, err := s.run(ctx, in, pcfg)
	id := s.record(ctx, x, res, err)
	if err != nil {
		writePipelineError(w, err)
		return
	}

	resp := s.extractResponse(id, res)
	if req.Sink {
		s.handOff(ctx, &resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleImport reads the VEVENTs of an iCalendar body into history, one
// extraction per event, without calling any provider.
//
// POST /api/import (text/calendar body)
// ?sink=true hands every imported event to the configured sink.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpload))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	loc, err := s.Settings.Snapshot().Location()
	if err != nil {
		s.Log.Warn("invalid timezone; using local", "err", err)
	}
	events, err := ics.Decode(body, loc)
	if err == nil && len(events) == 0 {
		err = errors.New("ics: no VEVENT found")
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	sinkIt, _ := strconv.ParseBool(r.URL.Query().Get("sink"))

	out := make([]extractResponse, 0, len(events))
	for _, ev := range events {
		res := pipeline.Result{Text: importText(ev), Event: ev}
		id := s.record(ctx, store.Extraction{Source: store.SourceICS}, res, nil)
		resp := s.extractResponse(id, res)
		if sinkIt {
			s.handOff(ctx, &resp)
		}
		out = append(out, resp)
	}
	s.Log.Info("calendar imported", "events", len(out))
	writeJSON(w, http.StatusOK, out)
}

type occurrencesResponse struct {
	Occurrences []ics.Occurrence `json:"occurrences"`
	Truncated   bool             `json:"truncated"`
}

// handleOccurrences expands a stored event over a window.
//
// GET /api/history/{id}/occurrences?from=RFC3339&to=RFC3339&max=N
// The window defaults to the next occurrenceWindow from now.
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	x, ok := s.loadExtraction(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if x.Event == nil {
		writeError(w, http.StatusConflict, "extraction has no event")
		return
	}

	q := r.URL.Query()
	from, err := parseTimeDefault(q.Get("from"), time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parseTimeDefault(q.Get("to"), from.Add(occurrenceWindow))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}

	occ, truncated, err := ics.Expand(*x.Event, ics.ExpandConfig{
		RangeStart:     from,
		RangeEnd:       to,
		MaxOccurrences: parseIntDefault(q.Get("max"), 0),
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if occ == nil {
		occ = []ics.Occurrence{}
	}
	writeJSON(w, http.StatusOK, occurrencesResponse{Occurrences: occ, Truncated: truncated})
}

// handleEventICS renders an event as a downloadable iCalendar file.
//
// POST /api/event.ics {"event": {...}} or {"id": "<extraction id>"}
func (s *Server) handleEventICS(w http.ResponseWriter, r *http.Request) {
	var req eventICSRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var ev model.EventRecord
	switch {
	case req.Event != nil:
		e := req.Event
		ev = model.NewEventRecord(e.Title, e.Start, e.End, e.Location, e.HasTime, e.Recurrence)
	case req.ID != "":
		x, ok := s.loadExtraction(w, r, req.ID)
		if !ok {
			return
		}
		if x.Event == nil {
			writeError(w, http.StatusConflict, "extraction has no event")
			return
		}
		ev = *x.Event
		if req.Description == "" {
			req.Description = x.Text
		}
	default:
		writeError(w, http.StatusBadRequest, "event or id is required")
		return
	}

	body, err := ics.Encode(ev, ics.ExportOptions{Description: req.Description})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="event.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleModels returns the cached model list without touching the network.
//
// GET /api/models/{provider}
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	p := model.Provider(r.PathValue("provider"))
	if !slices.Contains(model.Providers, p) {
		writePipelineError(w, apperr.UnsupportedMethod(string(p)))
		return
	}
	cached := s.Catalog.Cached(p)
	resp := modelsResponse{Provider: string(p), Models: cached, Fetched: cached != nil}
	if resp.Models == nil {
		resp.Models = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleModelsRefresh fetches the provider's models and replaces the cache.
// A key in the body is used for the fetch and saved once the fetch succeeds;
// otherwise the configured key is used.
//
// POST /api/models/{provider}/refresh {"api_key": "..."}
func (s *Server) handleModelsRefresh(w http.ResponseWriter, r *http.Request) {
	p := model.Provider(r.PathValue("provider"))

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := req.APIKey
	if key == "" {
		key = s.Settings.Snapshot().Provider(p).APIKey
	}

	models, err := s.Catalog.Fetch(r.Context(), p, key)
	if err != nil {
		writePipelineError(w, err)
		return
	}
	if req.APIKey != "" {
		if err := s.Settings.SetAPIKey(p, req.APIKey); err != nil {
			s.Log.Error("failed to save api key", err, "provider", p)
			writeError(w, http.StatusInternalServerError, "failed to save api key")
			return
		}
		s.Log.Info("api key saved", "provider", p)
	}
	writeJSON(w, http.StatusOK, modelsResponse{Provider: string(p), Models: models, Fetched: true})
}

// handleLogs returns diagnostic entries, newest first.
//
// GET /api/logs?limit=50
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 0)

	var entries []appLog.Entry
	switch {
	case s.Store != nil:
		var err error
		entries, err = s.Store.Diagnostics(r.Context(), limit)
		if err != nil {
			s.Log.Error("failed to load diagnostics", err)
			writeError(w, http.StatusInternalServerError, "failed to load logs")
			return
		}
	case s.Ring != nil:
		entries = s.Ring.Entries()
		if limit > 0 && len(entries) > limit {
			entries = entries[:limit]
		}
	}
	if entries == nil {
		entries = []appLog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// DELETE /api/logs
func (s *Server) handleLogsClear(w http.ResponseWriter, r *http.Request) {
	if s.Store != nil {
		if err := s.Store.ClearDiagnostics(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to clear logs")
			return
		}
	}
	if s.Ring != nil {
		s.Ring.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/history?limit=50
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeJSON(w, http.StatusOK, []store.Extraction{})
		return
	}
	list, err := s.Store.ListExtractions(r.Context(), parseIntDefault(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.Log.Error("failed to list history", err)
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if list == nil {
		list = []store.Extraction{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GET /api/history/{id}
func (s *Server) handleHistoryItem(w http.ResponseWriter, r *http.Request) {
	x, ok := s.loadExtraction(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, x)
}

// run executes the pipeline, through the worker lane when one is set.
func (s *Server) run(ctx context.Context, in pipeline.Input, pcfg model.ProviderConfig) (pipeline.Result, error) {
	if s.Lane == nil {
		return s.Pipeline.Run(ctx, in, pcfg)
	}
	return s.Pipeline.RunAsync(ctx, s.Lane, in, pcfg).Wait(ctx)
}

// record saves a run to history and returns its ID, or "" when there is no
// store or the save failed.
func (s *Server) record(ctx context.Context, x store.Extraction, res pipeline.Result, runErr error) string {
	if s.Store == nil {
		return ""
	}
	x.Text = res.Text
	x.Payload = res.Payload
	if runErr != nil {
		x.ErrorKind = string(apperr.KindOf(runErr))
		x.Error = runErr.Error()
	} else {
		ev := res.Event
		x.Event = &ev
	}
	saved, err := s.Store.SaveExtraction(context.WithoutCancel(ctx), x)
	if err != nil {
		s.Log.Error("failed to save extraction", err)
		return ""
	}
	return saved.ID
}

func (s *Server) loadExtraction(w http.ResponseWriter, r *http.Request, id string) (store.Extraction, bool) {
	if s.Store == nil {
		writeError(w, http.StatusNotFound, "history is not enabled")
		return store.Extraction{}, false
	}
	x, err := s.Store.GetExtraction(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return store.Extraction{}, false
	}
	if err != nil {
		s.Log.Error("failed to load extraction", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to load extraction")
		return store.Extraction{}, false
	}
	return x, true
}

func (s *Server) extractResponse(id string, res pipeline.Result) extractResponse {
	resp := extractResponse{ID: id, Text: res.Text, Event: res.Event}
	if res.Event.Recurrence != "" {
		next, err := ics.Next(res.Event, time.Now(), previewCount)
		if err != nil {
			s.Log.Warn("recurrence preview failed", "rule", res.Event.Recurrence, "err", err)
		}
		resp.Next = next
	}
	return resp
}

// handOff passes resp.Event to the configured sink and records the outcome
// on resp. Sink failures do not fail the request.
func (s *Server) handOff(ctx context.Context, resp *extractResponse) {
	if s.Sink == nil {
		return
	}
	ref, err := s.Sink.Create(ctx, resp.Event, resp.Text)
	if err != nil {
		s.Log.Error("sink create failed", err, "id", resp.ID)
		resp.SinkError = err.Error()
		return
	}
	s.Log.Info("event handed to sink", "id", resp.ID, "ref", ref)
	resp.SinkRef = ref
}

// importText is the history text for an imported event: the event as a
// standalone VCALENDAR, so a reprocess has the full schedule to parse.
func importText(ev model.EventRecord) string {
	body, err := ics.Encode(ev, ics.ExportOptions{})
	if err != nil {
		return ev.Title
	}
	return string(body)
}

func parseTimeDefault(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, s)
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.HasPrefix(mt, "multipart/")
}

// readImage returns the "image" upload, or nil when none was sent.
func readImage(r *http.Request) ([]byte, error) {
	if !isMultipart(r) {
		return nil, errors.New("multipart form expected")
	}
	f, _, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return errors.New("invalid JSON body")
	}
	return nil
}
