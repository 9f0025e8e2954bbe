package config

import (
	"errors"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"snapcal/internal/model"
)

// NOTE: This file provides the settings model and YAML load/save behavior,
// including first-run config creation and 0600 permissions. API keys live in
// this file, so it is never written with wider permissions.

// ProviderSettings holds the key, endpoint override and selected models for
// one provider.
type ProviderSettings struct {
	APIKey string `yaml:"api_key" json:"-"`
	// BaseURL overrides the vendor endpoint (e.g. a proxy or a remote Ollama).
	BaseURL    string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	OCRModel   string `yaml:"ocr_model" json:"ocr_model"`
	ParseModel string `yaml:"parse_model" json:"parse_model"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// SinkConfig selects where finished events are handed off.
type SinkConfig struct {
	// Kind is "ics", "google" or "" (no handoff).
	Kind string `yaml:"kind" json:"kind"`

	// ICSDir is where the ics sink writes one .ics file per event.
	ICSDir string `yaml:"ics_dir,omitempty" json:"ics_dir,omitempty"`

	// GoogleCredentials / GoogleToken are paths to the OAuth client secret
	// and a previously obtained token.
	GoogleCredentials string `yaml:"google_credentials,omitempty" json:"google_credentials,omitempty"`
	GoogleToken       string `yaml:"google_token,omitempty" json:"google_token,omitempty"`
	GoogleCalendarID  string `yaml:"google_calendar_id,omitempty" json:"google_calendar_id,omitempty"`
}

// Config is the persisted application settings.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone all extracted times are expressed in.
	// Empty means the system local zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// OCRMethod / ParseMethod select the provider used for each step.
	OCRMethod   string `yaml:"ocr_method" json:"ocr_method"`
	ParseMethod string `yaml:"parse_method" json:"parse_method"`

	Providers map[string]ProviderSettings `yaml:"providers" json:"providers"`

	// ModelCache holds the last successfully fetched model list per
	// provider. Lists are replaced wholesale, never merged.
	ModelCache map[string][]string `yaml:"model_cache" json:"model_cache"`

	// CatalogRefresh is a cron-style schedule for refreshing ModelCache in
	// serve mode. Empty disables the refresh.
	CatalogRefresh string `yaml:"catalog_refresh" json:"catalog_refresh"`

	// CollapseLocation joins multi-line locations with ", ".
	CollapseLocation bool `yaml:"collapse_location" json:"collapse_location"`

	// DataDir holds the SQLite history/diagnostics database.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// LogLimit bounds the diagnostic log.
	LogLimit int `yaml:"log_limit" json:"log_limit"`

	// RequestTimeout is the provider HTTP timeout in seconds. Zero keeps the
	// HTTP client default (no timeout).
	RequestTimeout int `yaml:"request_timeout" json:"request_timeout"`

	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Sink SinkConfig `yaml:"sink" json:"sink"`
}

var defaultModels = map[model.Provider]ProviderSettings{
	model.ProviderOpenAI: {OCRModel: "gpt-4o", ParseModel: "gpt-4o-mini"},
	model.ProviderGemini: {OCRModel: "gemini-2.0-flash", ParseModel: "gemini-2.0-flash"},
	model.ProviderOllama: {OCRModel: "llava", ParseModel: "llama3.1"},
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	providers := make(map[string]ProviderSettings, len(defaultModels))
	for p, s := range defaultModels {
		providers[string(p)] = s
	}
	return &Config{
		Listen:         "127.0.0.1:8080",
		LogLevel:       "info",
		OCRMethod:      string(model.ProviderOpenAI),
		ParseMethod:    string(model.ProviderOpenAI),
		Providers:      providers,
		ModelCache:     map[string][]string{},
		CatalogRefresh: "0 */6 * * *",
		DataDir:        defaultDataDir(),
		LogLimit:       200,
		Sink:           SinkConfig{},
	}
}

// DefaultPath returns ~/.config/snapcal/config.yaml, or a relative path when
// the home directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./snapcal.yaml"
	}
	return filepath.Join(home, ".config", "snapcal", "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".local", "share", "snapcal")
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.OCRMethod == "" {
		c.OCRMethod = string(model.ProviderOpenAI)
	}
	if c.ParseMethod == "" {
		c.ParseMethod = string(model.ProviderOpenAI)
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderSettings{}
	}
	// Fill in default models per provider without touching keys.
	for p, def := range defaultModels {
		s := c.Providers[string(p)]
		if s.OCRModel == "" {
			s.OCRModel = def.OCRModel
		}
		if s.ParseModel == "" {
			s.ParseModel = def.ParseModel
		}
		c.Providers[string(p)] = s
	}
	if c.ModelCache == nil {
		c.ModelCache = map[string][]string{}
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.LogLimit <= 0 {
		c.LogLimit = 200
	}
	if c.RequestTimeout < 0 {
		c.RequestTimeout = 0
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	out.Providers = maps.Clone(c.Providers)
	out.ModelCache = make(map[string][]string, len(c.ModelCache))
	for k, v := range c.ModelCache {
		out.ModelCache[k] = slices.Clone(v)
	}
	if c.BasicAuth != nil {
		ba := *c.BasicAuth
		out.BasicAuth = &ba
	}
	return &out
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local, err
	}
	return loc, nil
}

// Provider returns the settings for p.
func (c *Config) Provider(p model.Provider) ProviderSettings {
	return c.Providers[string(p)]
}

// ProviderConfig builds the immutable per-run provider view.
func (c *Config) ProviderConfig() model.ProviderConfig {
	keys := make(map[model.Provider]string, len(c.Providers))
	models := make(map[model.Provider]map[model.Capability]string, len(c.Providers))
	for name, s := range c.Providers {
		p := model.Provider(name)
		keys[p] = s.APIKey
		models[p] = map[model.Capability]string{
			model.CapabilityOCR:   s.OCRModel,
			model.CapabilityParse: s.ParseModel,
		}
	}
	loc, _ := c.Location()
	return model.ProviderConfig{
		APIKeys:     keys,
		Models:      models,
		OCRMethod:   model.Method(c.OCRMethod),
		ParseMethod: model.Method(c.ParseMethod),
		Location:    loc,
	}
}

// RequestTimeoutDuration converts RequestTimeout to a time.Duration.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".snapcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
