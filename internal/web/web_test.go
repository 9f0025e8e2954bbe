package web

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"snapcal/internal/apperr"
	"snapcal/internal/catalog"
	"snapcal/internal/config"
	"snapcal/internal/ics"
	appLog "snapcal/internal/log"
	"snapcal/internal/model"
	"snapcal/internal/pipeline"
	"snapcal/internal/provider"
	"snapcal/internal/provider/providertest"
	"snapcal/internal/store"
)

const lunchPayload = `{"title":"Lunch","start":"2025-03-14T13:00:00","end":"2025-03-14T15:00:00","location":"Cafe Rio","hasTime":true,"recurrence":""}`

type recordingSink struct {
	mu     sync.Mutex
	events []model.EventRecord
}

func (r *recordingSink) Create(_ context.Context, ev model.EventRecord, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return "evt-1", nil
}

type fixture struct {
	srv      *Server
	settings *config.Store
	fake     *providertest.Fake
	store    *store.Store
	ring     *appLog.Ring
	sink     *recordingSink
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	s := cfg.Providers[string(model.ProviderOpenAI)]
	s.APIKey = "sk-test"
	cfg.Providers[string(model.ProviderOpenAI)] = s
	if mutate != nil {
		mutate(cfg)
	}
	settings := config.NewStore("", cfg)

	st, err := store.Open(filepath.Join(t.TempDir(), "snapcal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	fake := &providertest.Fake{
		Provider: model.ProviderOpenAI,
		NeedsKey: true,
		OCRText:  "Lunch tomorrow at 1pm",
		Payload:  lunchPayload,
		Models:   []string{"gpt-4o", "gpt-3.5-turbo"},
	}
	ring := appLog.NewRing(50)
	logger := appLog.New(nil, ring)
	registry := provider.NewRegistry(fake)
	lane := pipeline.NewLane(1, 4)
	t.Cleanup(lane.Close)

	sink := &recordingSink{}
	srv := NewServer(Deps{
		Settings: settings,
		Pipeline: pipeline.New(registry, logger, pipeline.Options{}),
		Catalog:  catalog.NewFetcher(registry, settings, logger),
		Lane:     lane,
		Store:    st,
		Ring:     ring,
		Sink:     sink,
		Log:      logger,
	})
	return &fixture{srv: srv, settings: settings, fake: fake, store: st, ring: ring, sink: sink}
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) postJSON(t *testing.T, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return f.do(t, http.MethodPost, path, "application/json", bytes.NewReader(b))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestBasicAuthSparesHealth(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "pw"}
	})

	if rec := f.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("/health = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/history", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	req.SetBasicAuth("admin", "pw")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated = %d", rec.Code)
	}
}

func TestExtractTextSavesHistory(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.postJSON(t, "/api/extract", extractRequest{Text: "Lunch tomorrow at 1pm"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[extractResponse](t, rec)
	if resp.ID == "" || resp.Event.Title != "Lunch" || !resp.Event.HasTime {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.SinkRef != "" {
		t.Errorf("sink should not run unless asked")
	}

	rec = f.do(t, http.MethodGet, "/api/history/"+resp.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history item status %d", rec.Code)
	}
	x := decode[store.Extraction](t, rec)
	if x.Source != store.SourceText || x.Event == nil || x.Payload != lunchPayload {
		t.Errorf("unexpected history row %+v", x)
	}
}

func TestExtractImageRunsOCR(t *testing.T) {
	f := newFixture(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "flyer.jpg")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(jpegFlyer(t))
	_ = mw.WriteField("sink", "true")
	mw.Close()

	rec := f.do(t, http.MethodPost, "/api/extract", mw.FormDataContentType(), &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[extractResponse](t, rec)
	if resp.Text != "Lunch tomorrow at 1pm" {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.SinkRef != "evt-1" || len(f.sink.events) != 1 {
		t.Errorf("expected sink handoff, got ref=%q events=%d", resp.SinkRef, len(f.sink.events))
	}

	calls := f.fake.Calls()
	if len(calls) != 2 || calls[0].Op != "ocr" || !bytes.HasPrefix(calls[0].Image, []byte("\x89PNG\r\n\x1a\n")) {
		t.Errorf("expected png bytes at the adapter, got %+v", calls)
	}
}

func TestOCRRejectsUnreadableUpload(t *testing.T) {
	f := newFixture(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.WriteString(fw, "plain text, not an image")
	mw.Close()

	rec := f.do(t, http.MethodPost, "/api/ocr", mw.FormDataContentType(), &body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[errResp](t, rec); got.Kind != string(apperr.KindInvalidImage) {
		t.Errorf("kind = %q", got.Kind)
	}
	if n := len(f.fake.Calls()); n != 0 {
		t.Errorf("adapter reached %d times", n)
	}
}

func jpegFlyer(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractURLReadsArticle(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><head><title>Lunch</title></head><body><article><p>`+
			strings.Repeat("Lunch tomorrow at 1pm at Cafe Rio with the whole team. ", 10)+
			`</p></article></body></html>`)
	}))
	defer page.Close()

	f := newFixture(t, nil)
	rec := f.postJSON(t, "/api/extract", extractRequest{URL: page.URL})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[extractResponse](t, rec)
	if !strings.Contains(resp.Text, "Lunch tomorrow at 1pm") {
		t.Errorf("text = %q", resp.Text)
	}
	x, err := f.store.GetExtraction(context.Background(), resp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if x.Source != store.SourceURL {
		t.Errorf("source = %s", x.Source)
	}
}

func TestExtractRequiresInput(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.postJSON(t, "/api/extract", extractRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d", rec.Code)
	}
}

func TestParseMissingKeyIsRecorded(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		s := c.Providers[string(model.ProviderOpenAI)]
		s.APIKey = ""
		c.Providers[string(model.ProviderOpenAI)] = s
	})

	rec := f.postJSON(t, "/api/parse", parseRequest{Text: "Lunch tomorrow"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	if got := decode[errResp](t, rec); got.Kind != string(apperr.KindMissingCredential) {
		t.Errorf("kind = %q", got.Kind)
	}
	if len(f.fake.Calls()) != 0 {
		t.Errorf("adapter should not be called")
	}

	list, err := f.store.ListExtractions(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ErrorKind != string(apperr.KindMissingCredential) || list[0].Event != nil {
		t.Errorf("unexpected history %+v", list)
	}
}

func TestParseReprocessesParentText(t *testing.T) {
	f := newFixture(t, nil)
	first := decode[extractResponse](t, f.postJSON(t, "/api/extract", extractRequest{Text: "Lunch tomorrow at 1pm"}))

	rec := f.postJSON(t, "/api/parse", parseRequest{ParentID: first.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	second := decode[extractResponse](t, rec)
	x, err := f.store.GetExtraction(context.Background(), second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if x.ParentID != first.ID || x.Source != store.SourceReprocess || x.Text != "Lunch tomorrow at 1pm" {
		t.Errorf("unexpected reprocess row %+v", x)
	}

	if rec := f.postJSON(t, "/api/parse", parseRequest{ParentID: "missing"}); rec.Code != http.StatusNotFound {
		t.Errorf("missing parent = %d", rec.Code)
	}
}

func TestPipelineErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.ProviderHTTP("openai", "parse", 401, "bad key", nil), http.StatusBadGateway},
		{apperr.EmptyResponse("openai", "parse"), http.StatusBadGateway},
		{apperr.Network("openai", "parse", io.ErrUnexpectedEOF), http.StatusServiceUnavailable},
		{apperr.Network("openai", "parse", context.DeadlineExceeded), http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		f := newFixture(t, nil)
		f.fake.ParseErr = tc.err
		rec := f.postJSON(t, "/api/parse", parseRequest{Text: "x"})
		if rec.Code != tc.want {
			t.Errorf("%v: status %d, want %d", tc.err, rec.Code, tc.want)
		}
	}

	f := newFixture(t, nil)
	f.fake.Payload = "not json at all"
	if rec := f.postJSON(t, "/api/parse", parseRequest{Text: "x"}); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("malformed payload = %d", rec.Code)
	}
	if rec := f.postJSON(t, "/api/parse", parseRequest{Text: "x", Method: "tesseract"}); rec.Code != http.StatusBadRequest {
		t.Errorf("unsupported method = %d", rec.Code)
	}
}

func TestModelsCacheAndRefresh(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/models/openai", "", nil)
	got := decode[modelsResponse](t, rec)
	if got.Fetched || len(got.Models) != 0 {
		t.Errorf("expected empty unfetched cache, got %+v", got)
	}

	rec = f.do(t, http.MethodPost, "/api/models/openai/refresh", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status %d: %s", rec.Code, rec.Body.String())
	}
	got = decode[modelsResponse](t, rec)
	if len(got.Models) != 1 || got.Models[0] != "gpt-4o" {
		t.Errorf("refresh = %+v", got)
	}

	got = decode[modelsResponse](t, f.do(t, http.MethodGet, "/api/models/openai", "", nil))
	if !got.Fetched || len(got.Models) != 1 {
		t.Errorf("cached = %+v", got)
	}

	f.fake.ListErr = apperr.ProviderHTTP("openai", "list-models", 500, "boom", nil)
	if rec := f.do(t, http.MethodPost, "/api/models/openai/refresh", "", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("failed refresh = %d", rec.Code)
	}
	got = decode[modelsResponse](t, f.do(t, http.MethodGet, "/api/models/openai", "", nil))
	if len(got.Models) != 1 {
		t.Errorf("failed refresh must keep cache, got %+v", got)
	}

	if rec := f.do(t, http.MethodGet, "/api/models/tesseract", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown provider = %d", rec.Code)
	}
}

func TestModelsRefreshSavesBodyKeyOnSuccess(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		s := c.Providers[string(model.ProviderOpenAI)]
		s.APIKey = ""
		c.Providers[string(model.ProviderOpenAI)] = s
	})

	f.fake.ListErr = apperr.ProviderHTTP("openai", "list-models", 401, "bad key", nil)
	if rec := f.postJSON(t, "/api/models/openai/refresh", refreshRequest{APIKey: "sk-wrong"}); rec.Code != http.StatusBadGateway {
		t.Fatalf("failed refresh = %d", rec.Code)
	}
	if got := f.settings.Snapshot().Provider(model.ProviderOpenAI).APIKey; got != "" {
		t.Errorf("key saved after failed refresh: %q", got)
	}

	f.fake.ListErr = nil
	if rec := f.postJSON(t, "/api/models/openai/refresh", refreshRequest{APIKey: "sk-new"}); rec.Code != http.StatusOK {
		t.Fatalf("refresh = %d: %s", rec.Code, rec.Body.String())
	}
	if got := f.settings.Snapshot().Provider(model.ProviderOpenAI).APIKey; got != "sk-new" {
		t.Errorf("saved key = %q", got)
	}
	calls := f.fake.Calls()
	if last := calls[len(calls)-1]; last.APIKey != "sk-new" {
		t.Errorf("fetch used key %q", last.APIKey)
	}
}

func TestEventICS(t *testing.T) {
	f := newFixture(t, nil)
	first := decode[extractResponse](t, f.postJSON(t, "/api/extract", extractRequest{Text: "Lunch tomorrow at 1pm"}))

	rec := f.postJSON(t, "/api/event.ics", eventICSRequest{ID: first.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "SUMMARY:Lunch") {
		t.Errorf("body:\n%s", rec.Body.String())
	}

	unscheduled := model.NewEventRecord("Call Mom", nil, nil, "", true, "")
	if rec := f.postJSON(t, "/api/event.ics", eventICSRequest{Event: &unscheduled}); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unscheduled = %d", rec.Code)
	}
}

func TestImportCalendarThenExpand(t *testing.T) {
	f := newFixture(t, nil)

	start := time.Date(2025, 3, 20, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	weekly := model.NewEventRecord("Team sync", &start, &end, "Room 4\n12 Main St", true, "FREQ=WEEKLY;BYDAY=TH")
	body, err := ics.Encode(weekly, ics.ExportOptions{})
	if err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodPost, "/api/import?sink=true", "text/calendar", bytes.NewReader(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("import status %d: %s", rec.Code, rec.Body.String())
	}
	imported := decode[[]extractResponse](t, rec)
	if len(imported) != 1 || imported[0].ID == "" {
		t.Fatalf("imported = %+v", imported)
	}
	got := imported[0]
	if got.Event.Title != "Team sync" || got.Event.Recurrence != "FREQ=WEEKLY;BYDAY=TH" || !got.Event.Start.Equal(start) {
		t.Errorf("event = %+v", got.Event)
	}
	if got.SinkRef != "evt-1" || len(f.sink.events) != 1 {
		t.Errorf("expected sink handoff, got ref=%q", got.SinkRef)
	}
	if n := len(f.fake.Calls()); n != 0 {
		t.Errorf("import should not call a provider, got %d calls", n)
	}

	x, err := f.store.GetExtraction(context.Background(), got.ID)
	if err != nil {
		t.Fatal(err)
	}
	if x.Source != store.SourceICS || !strings.Contains(x.Text, "SUMMARY:Team sync") {
		t.Errorf("history row = %+v", x)
	}

	rec = f.do(t, http.MethodGet, "/api/history/"+got.ID+"/occurrences?from=2025-03-01T00:00:00Z&to=2025-04-30T00:00:00Z&max=3", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("occurrences status %d: %s", rec.Code, rec.Body.String())
	}
	occ := decode[occurrencesResponse](t, rec)
	if len(occ.Occurrences) != 3 || !occ.Truncated {
		t.Fatalf("occurrences = %+v", occ)
	}
	for i, o := range occ.Occurrences {
		want := start.AddDate(0, 0, 7*i)
		if !o.Start.Equal(want) || !o.End.Equal(want.Add(time.Hour)) {
			t.Errorf("occurrence %d = %+v, want start %s", i, o, want)
		}
	}

	if rec := f.do(t, http.MethodGet, "/api/history/"+got.ID+"/occurrences?from=yesterday", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad from = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/import", "text/calendar", strings.NewReader("BEGIN:VCALENDAR\nnope")); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("broken calendar = %d", rec.Code)
	}
}

func TestLogsFromStore(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.store.AppendDiagnostic(context.Background(), appLog.Entry{Level: appLog.LevelInfo, Message: "hello"}, 10); err != nil {
		t.Fatal(err)
	}

	entries := decode[[]appLog.Entry](t, f.do(t, http.MethodGet, "/api/logs?limit=5", "", nil))
	if len(entries) != 1 || entries[0].Message != "hello" {
		t.Errorf("entries = %+v", entries)
	}

	if rec := f.do(t, http.MethodDelete, "/api/logs", "", nil); rec.Code != http.StatusNoContent {
		t.Errorf("clear = %d", rec.Code)
	}
	entries = decode[[]appLog.Entry](t, f.do(t, http.MethodGet, "/api/logs", "", nil))
	if len(entries) != 0 {
		t.Errorf("expected cleared logs, got %d", len(entries))
	}
}

func TestUnknownAPIPathIsJSON404(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "snapcal") {
		t.Errorf("index = %d", rec.Code)
	}
}
