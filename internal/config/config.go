// Package config loads the run configuration of the semdemo command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gogpu/semshare"
	"github.com/gogpu/semshare/driver"
)

// ErrInvalid is returned for configurations that fail validation.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is a semdemo run configuration.
type Config struct {
	// Backend names the driver backend. Empty selects the first usable
	// backend in priority order.
	Backend string `yaml:"backend"`

	// Plan is the path of an HCL plan file. Empty runs the built-in
	// two-device protocol.
	Plan string `yaml:"plan"`

	Passes       int           `yaml:"passes"`
	Handoff      bool          `yaml:"handoff"`
	HandleType   string        `yaml:"handle_type"`
	FenceTimeout time.Duration `yaml:"fence_timeout"`

	Log LogConfig `yaml:"log"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Passes:       2,
		HandleType:   driver.HandleTypeOpaqueFD.String(),
		FenceTimeout: semshare.DefaultFenceTimeout,
		Log:          LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: yaml unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field values.
func (c Config) Validate() error {
	if c.Passes < 1 {
		return fmt.Errorf("%w: passes must be at least 1, got %d", ErrInvalid, c.Passes)
	}
	if _, ok := driver.ParseHandleType(c.HandleType); !ok {
		return fmt.Errorf("%w: unknown handle_type %q", ErrInvalid, c.HandleType)
	}
	if c.FenceTimeout < 0 {
		return fmt.Errorf("%w: fence_timeout must not be negative, got %s", ErrInvalid, c.FenceTimeout)
	}
	if c.Handoff && c.Plan != "" {
		return fmt.Errorf("%w: handoff applies to the built-in protocol only, not to plan %q", ErrInvalid, c.Plan)
	}
	if !slices.Contains(logLevels, c.Log.Level) {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.Log.Level)
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// HandleTypeValue returns the parsed handle type. It is only meaningful
// on a validated Config.
func (c Config) HandleTypeValue() driver.HandleType {
	ht, _ := driver.ParseHandleType(c.HandleType)
	return ht
}

// NewLogger builds a logger writing to w according to c.Log.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
