package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"snapcal/internal/model"
)

// Source tells where an extraction's text came from.
type Source string

const (
	SourceText      Source = "text"
	SourceImage     Source = "image"
	SourceURL       Source = "url"
	SourceCapture   Source = "capture"
	SourceReprocess Source = "reprocess"
	SourceICS       Source = "ics"
)

// Extraction is one history row. Event is nil when the run failed.
type Extraction struct {
	ID          string             `json:"id"`
	ParentID    string             `json:"parent_id,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	Source      Source             `json:"source"`
	OCRMethod   string             `json:"ocr_method,omitempty"`
	ParseMethod string             `json:"parse_method,omitempty"`
	Text        string             `json:"text"`
	Payload     string             `json:"payload,omitempty"`
	Event       *model.EventRecord `json:"event,omitempty"`
	ErrorKind   string             `json:"error_kind,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// SaveExtraction inserts x, assigning an ID and timestamp when unset, and
// returns the stored row.
func (s *Store) SaveExtraction(ctx context.Context, x Extraction) (Extraction, error) {
	if x.ID == "" {
		x.ID = uuid.NewString()
	}
	if x.CreatedAt.IsZero() {
		x.CreatedAt = time.Now()
	}

	var eventJSON sql.NullString
	if x.Event != nil {
		b, err := json.Marshal(x.Event)
		if err != nil {
			return Extraction{}, fmt.Errorf("failed to encode event: %w", err)
		}
		eventJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO extractions
		(id, parent_id, created_at, source, ocr_method, parse_method, input_text, payload, event_json, error_kind, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		x.ID, x.ParentID, x.CreatedAt.UnixNano(), string(x.Source), x.OCRMethod, x.ParseMethod,
		x.Text, x.Payload, eventJSON, x.ErrorKind, x.Error,
	)
	if err != nil {
		return Extraction{}, fmt.Errorf("failed to insert extraction: %w", err)
	}
	return x, nil
}

const extractionColumns = `id, parent_id, created_at, source, ocr_method, parse_method, input_text, payload, event_json, error_kind, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanExtraction(row scanner) (Extraction, error) {
	var (
		x         Extraction
		created   int64
		source    string
		eventJSON sql.NullString
	)
	if err := row.Scan(&x.ID, &x.ParentID, &created, &source, &x.OCRMethod, &x.ParseMethod,
		&x.Text, &x.Payload, &eventJSON, &x.ErrorKind, &x.Error); err != nil {
		return Extraction{}, err
	}
	x.CreatedAt = time.Unix(0, created)
	x.Source = Source(source)
	if eventJSON.Valid {
		var ev model.EventRecord
		if err := json.Unmarshal([]byte(eventJSON.String), &ev); err != nil {
			return Extraction{}, fmt.Errorf("failed to decode event for %s: %w", x.ID, err)
		}
		x.Event = &ev
	}
	return x, nil
}

// GetExtraction returns the row with id, or ErrNotFound.
func (s *Store) GetExtraction(ctx context.Context, id string) (Extraction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+extractionColumns+` FROM extractions WHERE id = ?`, id)
	x, err := scanExtraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Extraction{}, fmt.Errorf("extraction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Extraction{}, fmt.Errorf("failed to load extraction: %w", err)
	}
	return x, nil
}

// ListExtractions returns up to limit rows, newest first.
func (s *Store) ListExtractions(ctx context.Context, limit int) ([]Extraction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+extractionColumns+` FROM extractions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query extractions: %w", err)
	}
	defer rows.Close()

	var out []Extraction
	for rows.Next() {
		x, err := scanExtraction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan extraction: %w", err)
		}
		out = append(out, x)
	}
	return out, rows.Err()
}
