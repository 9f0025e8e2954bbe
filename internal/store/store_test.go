package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	appLog "snapcal/internal/log"
	"snapcal/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Path(t.TempDir()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snapcal.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen should find no pending migrations: %v", err)
	}
	s.Close()
}

func TestDiagnosticSinkKeepsNewest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	logger := appLog.New(nil, s.DiagnosticSink(3))
	for i := 0; i < 5; i++ {
		logger.Info(fmt.Sprintf("entry %d", i), "i", i)
	}

	entries, err := s.Diagnostics(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"entry 4", "entry 3", "entry 2"} {
		if entries[i].Message != want {
			t.Errorf("entries[%d] = %q, want %q", i, entries[i].Message, want)
		}
	}
	if entries[0].Level != appLog.LevelInfo || entries[0].Fields != " i=4" {
		t.Errorf("unexpected entry %+v", entries[0])
	}

	if err := s.ClearDiagnostics(ctx); err != nil {
		t.Fatal(err)
	}
	entries, _ = s.Diagnostics(ctx, 10)
	if len(entries) != 0 {
		t.Errorf("expected empty log after clear, got %d", len(entries))
	}
}

func TestExtractionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	loc := time.FixedZone("EST", -5*3600)
	start := time.Date(2025, 3, 15, 0, 0, 0, 0, loc)
	end := time.Date(2025, 3, 15, 23, 59, 59, 0, loc)
	ev := model.NewEventRecord("Dentist", &start, &end, "", false, "")

	saved, err := s.SaveExtraction(ctx, Extraction{
		Source:      SourceText,
		ParseMethod: "openai",
		Text:        "Dentist appointment on March 15",
		Payload:     `{"title":"Dentist"}`,
		Event:       &ev,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID == "" || saved.CreatedAt.IsZero() {
		t.Fatalf("expected generated id and timestamp, got %+v", saved)
	}

	got, err := s.GetExtraction(ctx, saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != saved.Text || got.Source != SourceText || got.ParseMethod != "openai" {
		t.Errorf("unexpected row %+v", got)
	}
	if got.Event == nil || got.Event.Title != "Dentist" || !got.Event.IsAllDay {
		t.Fatalf("event not restored: %+v", got.Event)
	}
	if !got.Event.Start.Equal(start) || !got.Event.End.Equal(end) {
		t.Errorf("times not restored: %v %v", got.Event.Start, got.Event.End)
	}
}

func TestFailedExtractionHasNoEvent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	saved, err := s.SaveExtraction(ctx, Extraction{
		Source:    SourceImage,
		ErrorKind: "missing_credential",
		Error:     "openai ocr: no API key configured",
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GetExtraction(ctx, saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Event != nil || got.ErrorKind != "missing_credential" {
		t.Errorf("unexpected row %+v", got)
	}
}

func TestGetExtractionNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetExtraction(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListExtractionsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := s.SaveExtraction(ctx, Extraction{
			ID:        fmt.Sprintf("x%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Source:    SourceText,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListExtractions(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "x2" || list[1].ID != "x1" {
		t.Errorf("unexpected order %+v", list)
	}
}
