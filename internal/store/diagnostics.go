package store

import (
	"context"
	"fmt"
	"time"

	appLog "snapcal/internal/log"
)

// DiagnosticSink mirrors log entries into the diagnostics table, keeping
// only the newest limit rows. It implements log.Sink.
type DiagnosticSink struct {
	s     *Store
	limit int
}

var _ appLog.Sink = (*DiagnosticSink)(nil)

func (s *Store) DiagnosticSink(limit int) *DiagnosticSink {
	if limit <= 0 {
		limit = appLog.DefaultRingSize
	}
	return &DiagnosticSink{s: s, limit: limit}
}

// Write appends e and trims old rows. Failures are dropped: the logger
// cannot report errors about itself.
func (d *DiagnosticSink) Write(e appLog.Entry) {
	_ = d.s.AppendDiagnostic(context.Background(), e, d.limit)
}

// AppendDiagnostic inserts e and deletes all but the newest limit rows.
func (s *Store) AppendDiagnostic(ctx context.Context, e appLog.Entry, limit int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin diagnostic insert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO diagnostics (logged_at, level, message, fields) VALUES (?, ?, ?, ?)`,
		e.Time.UnixNano(), string(e.Level), e.Message, e.Fields,
	); err != nil {
		return fmt.Errorf("failed to insert diagnostic: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM diagnostics WHERE id NOT IN (SELECT id FROM diagnostics ORDER BY id DESC LIMIT ?)`,
		limit,
	); err != nil {
		return fmt.Errorf("failed to trim diagnostics: %w", err)
	}
	return tx.Commit()
}

// Diagnostics returns up to limit entries, newest first. limit <= 0 means
// all of them.
func (s *Store) Diagnostics(ctx context.Context, limit int) ([]appLog.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT logged_at, level, message, fields FROM diagnostics ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query diagnostics: %w", err)
	}
	defer rows.Close()

	var out []appLog.Entry
	for rows.Next() {
		var (
			ts    int64
			level string
			e     appLog.Entry
		)
		if err := rows.Scan(&ts, &level, &e.Message, &e.Fields); err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic: %w", err)
		}
		e.Time = time.Unix(0, ts)
		e.Level = appLog.Level(level)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClearDiagnostics removes every persisted entry.
func (s *Store) ClearDiagnostics(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM diagnostics`); err != nil {
		return fmt.Errorf("failed to clear diagnostics: %w", err)
	}
	return nil
}
