package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"snapcal/internal/ics"
	"snapcal/internal/model"
)

// ICSDir writes one .ics file per event into a directory.
type ICSDir struct {
	dir string
}

func NewICSDir(dir string) *ICSDir {
	if dir == "" {
		dir = "."
	}
	return &ICSDir{dir: dir}
}

// Create encodes ev and writes it atomically. It returns the file path.
func (s *ICSDir) Create(ctx context.Context, ev model.EventRecord, sourceText string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	uid := ics.UID(ics.ExportOptions{})
	body, err := ics.Encode(ev, ics.ExportOptions{UID: uid, Description: sourceText})
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return "", fmt.Errorf("sink: create %s: %w", s.dir, err)
	}
	path := filepath.Join(s.dir, strings.TrimSuffix(uid, "@snapcal")+".ics")
	if err := writeFileAtomic(path, body); err != nil {
		return "", fmt.Errorf("sink: write %s: %w", path, err)
	}
	return path, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapcal-event-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Join(err, os.Remove(tmpName))
	}
	return nil
}
