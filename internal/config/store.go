package config

import (
	"errors"
	"slices"
	"sync"

	"snapcal/internal/model"
)

// Store is the settings store shared by the CLI and the HTTP API. Reads
// return snapshots; writes go through Update, which persists the result.
// Concurrent updates are serialized and the last writer wins.
type Store struct {
	path string

	mu  sync.Mutex
	cfg *Config

	// keyOverrides apply to snapshots only and are never saved.
	keyOverrides map[model.Provider]string
}

// Open loads (or creates) the settings file at path.
func Open(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: cfg}, nil
}

// NewStore wraps an already loaded config. An empty path keeps the store
// in memory only.
func NewStore(path string, cfg *Config) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Normalize()
	return &Store{path: path, cfg: cfg}
}

func (s *Store) Path() string { return s.path }

// Snapshot returns a deep copy of the current settings.
func (s *Store) Snapshot() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.cfg.Clone()
	for p, key := range s.keyOverrides {
		ps := out.Providers[string(p)]
		ps.APIKey = key
		out.Providers[string(p)] = ps
	}
	return out
}

// OverrideAPIKey makes snapshots report key for p without writing it to
// the settings file. An empty key removes the override.
func (s *Store) OverrideAPIKey(p model.Provider, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" {
		delete(s.keyOverrides, p)
		return
	}
	if s.keyOverrides == nil {
		s.keyOverrides = map[model.Provider]string{}
	}
	s.keyOverrides[p] = key
}

// Update applies fn to a copy of the settings and saves it. The in-memory
// settings change only if the save succeeds.
func (s *Store) Update(fn func(*Config) error) error {
	if fn == nil {
		return errors.New("config: nil update")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if s.path != "" {
		if err := Save(s.path, next); err != nil {
			return err
		}
	} else {
		next.Normalize()
	}
	s.cfg = next
	return nil
}

// CachedModels returns the cached model list for p, or nil if it was never
// fetched.
func (s *Store) CachedModels(p model.Provider) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cfg.ModelCache[string(p)])
}

// ReplaceModels replaces the cached list for p wholesale.
func (s *Store) ReplaceModels(p model.Provider, models []string) error {
	return s.Update(func(c *Config) error {
		c.ModelCache[string(p)] = slices.Clone(models)
		return nil
	})
}

// SetAPIKey stores key for p.
func (s *Store) SetAPIKey(p model.Provider, key string) error {
	return s.Update(func(c *Config) error {
		ps := c.Providers[string(p)]
		ps.APIKey = key
		c.Providers[string(p)] = ps
		return nil
	})
}
