package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"snapcal/internal/apperr"
	"snapcal/internal/config"
	"snapcal/internal/model"
)

const lunchPayload = `{"title":"Lunch","start":"2025-03-14T13:00:00","end":"2025-03-14T15:00:00","location":"Cafe Rio","hasTime":true,"recurrence":""}`

// fakeOpenAI answers chat completions with lunchPayload and lists two models.
func fakeOpenAI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/chat/completions":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []any{map[string]any{"message": map[string]any{"content": lunchPayload}}},
			})
		case "/v1/models":
			_, _ = io.WriteString(w, `{"data":[{"id":"gpt-4o"},{"id":"gpt-3.5-turbo"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.DataDir = filepath.Join(dir, "data")
	s := cfg.Providers[string(model.ProviderOpenAI)]
	s.BaseURL = baseURL
	cfg.Providers[string(model.ProviderOpenAI)] = s

	path := filepath.Join(dir, "config.yaml")
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	_, err := newParser(context.Background(), &out).ParseArgs(args)
	return out.String(), err
}

func TestExtractTextWritesICSAndHistory(t *testing.T) {
	cfgPath := writeConfig(t, fakeOpenAI(t).URL)
	icsPath := filepath.Join(t.TempDir(), "lunch.ics")

	out, err := run(t, "--config", cfgPath, "--openai-key", "sk-test", "extract", "--ics", icsPath, "Lunch tomorrow at 1pm")
	if err != nil {
		t.Fatal(err)
	}
	var got extractOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.ID == "" || got.Event.Title != "Lunch" || got.Event.Location != "Cafe Rio" {
		t.Errorf("unexpected output %+v", got)
	}

	body, err := os.ReadFile(icsPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "SUMMARY:Lunch") {
		t.Errorf("ics body:\n%s", body)
	}

	out, err = run(t, "--config", cfgPath, "--openai-key", "sk-test", "extract", "--reprocess", got.ID)
	if err != nil {
		t.Fatal(err)
	}
	var again extractOutput
	if err := json.Unmarshal([]byte(out), &again); err != nil {
		t.Fatal(err)
	}
	if again.ID == got.ID || again.Text != "Lunch tomorrow at 1pm" {
		t.Errorf("reprocess output %+v", again)
	}

	out, err = run(t, "--config", cfgPath, "logs", "-n", "0")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "parse finished") {
		t.Errorf("expected persisted diagnostics, got:\n%s", out)
	}
}

func TestExtractFailures(t *testing.T) {
	cfgPath := writeConfig(t, fakeOpenAI(t).URL)

	if _, err := run(t, "--config", cfgPath, "--openai-key", "sk-test", "extract"); err == nil {
		t.Error("expected error without input")
	}

	_, err := run(t, "--config", cfgPath, "--openai-key", "sk-test", "extract", "--parse-method", "tesseract", "hello")
	if !errors.Is(err, apperr.ErrUnsupportedMethod) {
		t.Errorf("expected unsupported method, got %v", err)
	}
}

func TestModelsRefreshAndCache(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfgPath := writeConfig(t, fakeOpenAI(t).URL)

	out, err := run(t, "--config", cfgPath, "models", "openai")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "openai: (not fetched)" {
		t.Errorf("before refresh: %q", out)
	}

	out, err = run(t, "--config", cfgPath, "--openai-key", "sk-test", "models", "--refresh", "openai")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "openai: gpt-4o" {
		t.Errorf("refresh: %q", out)
	}

	out, err = run(t, "--config", cfgPath, "models", "openai")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "openai: gpt-4o" {
		t.Errorf("cached: %q", out)
	}

	if _, err := run(t, "--config", cfgPath, "models", "--refresh", "openai"); !errors.Is(err, apperr.ErrMissingCredential) {
		t.Errorf("expected missing credential without key, got %v", err)
	}
}

func TestKeyCommandSavesKey(t *testing.T) {
	cfgPath := writeConfig(t, "")

	if _, err := run(t, "--config", cfgPath, "key", "gemini", "g-key"); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Provider(model.ProviderGemini).APIKey; got != "g-key" {
		t.Errorf("saved key = %q", got)
	}

	if _, err := run(t, "--config", cfgPath, "key", "tesseract", "x"); err == nil {
		t.Error("expected unknown provider error")
	}
}

func TestExtractAppliesEdits(t *testing.T) {
	cfgPath := writeConfig(t, fakeOpenAI(t).URL)

	out, err := run(t, "--config", cfgPath, "--openai-key", "sk-test", "extract",
		"--title", "Team lunch", "--location", "Cafe Rio, upstairs", "--rrule", "FREQ=WEEKLY;BYDAY=FR", "--next", "2",
		"Lunch tomorrow at 1pm")
	if err != nil {
		t.Fatal(err)
	}
	var got extractOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	ev := got.Event
	if ev.Title != "Team lunch" || ev.Location != "Cafe Rio, upstairs" || ev.Recurrence != "FREQ=WEEKLY;BYDAY=FR" {
		t.Errorf("edits not applied: %+v", ev)
	}
	if ev.Start == nil || ev.Start.Format("2006-01-02T15:04") != "2025-03-14T13:00" || !ev.HasTime {
		t.Errorf("schedule should be untouched: %+v", ev)
	}
	if len(got.Next) != 2 {
		t.Errorf("expected recurrence preview, got %v", got.Next)
	}

	if _, err := run(t, "--config", cfgPath, "--openai-key", "sk-test", "extract", "--rrule", "every friday", "hello"); err == nil {
		t.Error("expected invalid rrule to fail")
	}
}

func TestImportStoresEventsWithoutProvider(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	cfgPath := writeConfig(t, srv.URL)

	icsPath := filepath.Join(t.TempDir(), "invite.ics")
	invite := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:a@test",
		"DTSTAMP:20250301T000000Z",
		"SUMMARY:Dentist",
		"DTSTART;VALUE=DATE:20250315",
		"DTEND;VALUE=DATE:20250316",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:b@test",
		"DTSTAMP:20250301T000000Z",
		"SUMMARY:Standup",
		"DTSTART:20250317T090000Z",
		"DTEND:20250317T091500Z",
		"RRULE:FREQ=DAILY;COUNT=5",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")
	if err := os.WriteFile(icsPath, []byte(invite), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "--config", cfgPath, "import", icsPath)
	if err != nil {
		t.Fatal(err)
	}
	var got []extractOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Event.Title != "Dentist" || !got[0].Event.IsAllDay {
		t.Errorf("first event = %+v", got[0].Event)
	}
	if got[1].Event.Title != "Standup" || got[1].Event.Recurrence != "FREQ=DAILY;COUNT=5" {
		t.Errorf("second event = %+v", got[1].Event)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("import reached a provider %d times", n)
	}

	out, err = run(t, "--config", cfgPath, "--openai-key", "sk-test", "extract", "--reprocess", got[0].ID)
	if err == nil {
		t.Errorf("reprocess against a 404 provider should fail, got %s", out)
	}
	if calls.Load() == 0 {
		t.Error("reprocess of an imported event should parse its stored text")
	}

	if _, err := run(t, "--config", cfgPath, "import", filepath.Join(t.TempDir(), "missing.ics")); err == nil {
		t.Error("expected missing file error")
	}
}
