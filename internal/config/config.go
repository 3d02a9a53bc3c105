package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"time"

	"github.com/dyluth/atelier/internal/phase"
	"github.com/dyluth/atelier/pkg/workshop"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file name looked up in the working directory.
const DefaultFile = "atelier.yml"

const (
	defaultBufferCapacity      = 50
	defaultDedupWindow         = 512
	defaultRequestTimeout      = 30 * time.Second
	defaultActivityTimeout     = 120 * time.Second
	defaultReconnectInitial    = 500 * time.Millisecond
	defaultReconnectMax        = 10 * time.Second
	defaultReconnectMaxElapsed = 2 * time.Minute
	defaultBoardNamespace      = "default"
	defaultBoardWriteTimeout   = 5 * time.Second
)

// Config represents the top-level atelier.yml configuration
type Config struct {
	Version       string                               `yaml:"version"`
	Backend       BackendConfig                        `yaml:"backend"`
	Stream        StreamConfig                         `yaml:"stream,omitempty"`
	Phase         PhaseConfig                          `yaml:"phase,omitempty"`
	Board         *BoardConfig                         `yaml:"board,omitempty"`
	Personalities map[workshop.Personality]ThemeConfig `yaml:"personalities,omitempty"`

	themes map[workshop.Personality]Theme
}

// BackendConfig locates the workshop REST and SSE server
type BackendConfig struct {
	URL            string            `yaml:"url"`
	RequestTimeout time.Duration     `yaml:"request_timeout,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
}

// StreamConfig sizes the event buffer
type StreamConfig struct {
	BufferCapacity int `yaml:"buffer_capacity,omitempty"`
	DedupWindow    int `yaml:"dedup_window,omitempty"`
}

// PhaseConfig tunes activity timeouts and stream reconnection
type PhaseConfig struct {
	ActivityTimeout     time.Duration `yaml:"activity_timeout,omitempty"`
	ReconnectInitial    time.Duration `yaml:"reconnect_initial,omitempty"`
	ReconnectMax        time.Duration `yaml:"reconnect_max,omitempty"`
	ReconnectMaxElapsed time.Duration `yaml:"reconnect_max_elapsed,omitempty"`
}

// BoardConfig enables the Redis state mirror
type BoardConfig struct {
	RedisURL     string        `yaml:"redis_url"`
	Namespace    string        `yaml:"namespace,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
}

// ThemeConfig overrides the display of one personality
type ThemeConfig struct {
	Label  string `yaml:"label,omitempty"`
	Color  string `yaml:"color,omitempty"`
	Symbol string `yaml:"symbol,omitempty"`
}

// Default returns a validated configuration pointing at a local backend.
func Default() *Config {
	c := &Config{
		Version: "1.0",
		Backend: BackendConfig{URL: "http://localhost:8000/api"},
	}
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return c
}

// Validate performs strict validation on the configuration and applies
// defaults for unset values
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if err := c.Backend.validate(); err != nil {
		return err
	}
	if err := c.Stream.validate(); err != nil {
		return err
	}
	if err := c.Phase.validate(); err != nil {
		return err
	}
	if c.Board != nil {
		if err := c.Board.validate(); err != nil {
			return err
		}
	}

	themes, err := buildThemes(c.Personalities)
	if err != nil {
		return err
	}
	c.themes = themes

	return nil
}

func (b *BackendConfig) validate() error {
	if b.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	u, err := url.Parse(b.URL)
	if err != nil {
		return fmt.Errorf("backend.url is invalid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("backend.url has no host: %s", b.URL)
	}

	if b.RequestTimeout < 0 {
		return fmt.Errorf("backend.request_timeout must be positive, got %v", b.RequestTimeout)
	}
	if b.RequestTimeout == 0 {
		b.RequestTimeout = defaultRequestTimeout
	}
	return nil
}

func (s *StreamConfig) validate() error {
	if s.BufferCapacity < 0 {
		return fmt.Errorf("stream.buffer_capacity must be >= 1, got %d", s.BufferCapacity)
	}
	if s.DedupWindow < 0 {
		return fmt.Errorf("stream.dedup_window must be >= 1, got %d", s.DedupWindow)
	}
	if s.BufferCapacity == 0 {
		s.BufferCapacity = defaultBufferCapacity
	}
	if s.DedupWindow == 0 {
		s.DedupWindow = defaultDedupWindow
	}
	return nil
}

func (p *PhaseConfig) validate() error {
	durations := []struct {
		name  string
		value *time.Duration
		def   time.Duration
	}{
		{"phase.activity_timeout", &p.ActivityTimeout, defaultActivityTimeout},
		{"phase.reconnect_initial", &p.ReconnectInitial, defaultReconnectInitial},
		{"phase.reconnect_max", &p.ReconnectMax, defaultReconnectMax},
		{"phase.reconnect_max_elapsed", &p.ReconnectMaxElapsed, defaultReconnectMaxElapsed},
	}
	for _, d := range durations {
		if *d.value < 0 {
			return fmt.Errorf("%s must be positive, got %v", d.name, *d.value)
		}
		if *d.value == 0 {
			*d.value = d.def
		}
	}

	if p.ReconnectInitial > p.ReconnectMax {
		return fmt.Errorf("phase.reconnect_initial (%v) cannot exceed phase.reconnect_max (%v)", p.ReconnectInitial, p.ReconnectMax)
	}
	return nil
}

func (b *BoardConfig) validate() error {
	if b.RedisURL == "" {
		return fmt.Errorf("board.redis_url is required when board is configured")
	}
	u, err := url.Parse(b.RedisURL)
	if err != nil {
		return fmt.Errorf("board.redis_url is invalid: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return fmt.Errorf("board.redis_url must use redis or rediss, got %q", u.Scheme)
	}

	if b.Namespace == "" {
		b.Namespace = defaultBoardNamespace
	}
	if b.WriteTimeout < 0 {
		return fmt.Errorf("board.write_timeout must be positive, got %v", b.WriteTimeout)
	}
	if b.WriteTimeout == 0 {
		b.WriteTimeout = defaultBoardWriteTimeout
	}
	return nil
}

// MachineOptions returns the phase machine options of this configuration.
func (c *Config) MachineOptions() phase.Options {
	return phase.Options{
		ActivityTimeout:     c.Phase.ActivityTimeout,
		ReconnectInitial:    c.Phase.ReconnectInitial,
		ReconnectMax:        c.Phase.ReconnectMax,
		ReconnectMaxElapsed: c.Phase.ReconnectMaxElapsed,
	}
}

// Theme returns the display theme of personality p. Unknown personalities
// get a neutral theme labelled with the raw value.
func (c *Config) Theme(p workshop.Personality) Theme {
	if t, ok := c.themes[p]; ok {
		return t
	}
	if t, ok := defaultThemes[p]; ok {
		return t
	}
	return Theme{Label: string(p), Color: "white", Symbol: "•"}
}

// Themes returns a copy of every personality's theme.
func (c *Config) Themes() map[workshop.Personality]Theme {
	source := c.themes
	if source == nil {
		source = defaultThemes
	}
	out := make(map[workshop.Personality]Theme, len(source))
	for p, t := range source {
		out[p] = t
	}
	return out
}

// Load reads and validates atelier.yml from the specified path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Write stores c as YAML at path. It refuses to overwrite an existing file.
func Write(path string, c *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// knownPersonalities lists the personalities a theme can be set for, sorted.
func knownPersonalities() []string {
	names := make([]string, 0, len(defaultThemes))
	for p := range defaultThemes {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}
