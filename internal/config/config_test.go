package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/gogpu/semshare/driver"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want func(*Config)
	}{
		{name: "empty", src: ""},
		{
			name: "full",
			src: `
backend: soft
passes: 3
handle_type: opaque_win32
fence_timeout: 250ms
log:
  level: debug
  format: json
`,
			want: func(c *Config) {
				c.Backend = "soft"
				c.Passes = 3
				c.HandleType = "opaque_win32"
				c.FenceTimeout = 250 * time.Millisecond
				c.Log = LogConfig{Level: "debug", Format: "json"}
			},
		},
		{
			name: "handoff",
			src:  "handoff: true\n",
			want: func(c *Config) { c.Handoff = true },
		},
		{
			name: "plan keeps other defaults",
			src:  "plan: plans/reference.hcl\n",
			want: func(c *Config) { c.Plan = "plans/reference.hcl" },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.src))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			want := Default()
			if tt.want != nil {
				tt.want(&want)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		invalid bool
	}{
		{name: "unknown key", src: "passess: 2\n"},
		{name: "bad duration", src: "fence_timeout: soon\n"},
		{name: "zero passes", src: "passes: 0\n", invalid: true},
		{name: "handle type", src: "handle_type: dmabuf\n", invalid: true},
		{name: "negative timeout", src: "fence_timeout: -1s\n", invalid: true},
		{name: "handoff with plan", src: "handoff: true\nplan: p.hcl\n", invalid: true},
		{name: "log level", src: "log:\n  level: trace\n", invalid: true},
		{name: "log format", src: "log:\n  format: xml\n", invalid: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src))
			if err == nil {
				t.Fatal("Parse() succeeded")
			}
			if got := errors.Is(err, ErrInvalid); got != tt.invalid {
				t.Errorf("errors.Is(%v, ErrInvalid) = %v, want %v", err, got, tt.invalid)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "semdemo.yaml")
	if err := os.WriteFile(path, []byte("passes: 5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Passes != 5 {
		t.Errorf("Passes = %d, want 5", cfg.Passes)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) error = %v, want os.ErrNotExist", err)
	}
}

func TestHandleTypeValue(t *testing.T) {
	if got := Default().HandleTypeValue(); got != driver.HandleTypeOpaqueFD {
		t.Errorf("HandleTypeValue() = %v, want %v", got, driver.HandleTypeOpaqueFD)
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		log     LogConfig
		visible bool
		json    bool
	}{
		{name: "info text", log: LogConfig{Level: "info", Format: "text"}, visible: true},
		{name: "debug json", log: LogConfig{Level: "debug", Format: "json"}, visible: true, json: true},
		{name: "error hides info", log: LogConfig{Level: "error", Format: "text"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := Default()
			cfg.Log = tt.log
			cfg.NewLogger(&buf).Info("hello", "k", "v")
			out := buf.String()
			if got := strings.Contains(out, "hello"); got != tt.visible {
				t.Fatalf("output %q contains message = %v, want %v", out, got, tt.visible)
			}
			if tt.visible && strings.HasPrefix(out, "{") != tt.json {
				t.Errorf("output %q: json = %v, want %v", out, !tt.json, tt.json)
			}
		})
	}
}
