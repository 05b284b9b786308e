package config

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, path
}

func TestDefaultsCreatedWhenMissing(t *testing.T) {
	m, path := newTestManager(t)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	cfg := m.Get()
	if cfg.Backend != BackendAuto {
		t.Errorf("backend = %q, want %q", cfg.Backend, BackendAuto)
	}
	if cfg.FPS != 30 {
		t.Errorf("fps = %d, want 30", cfg.FPS)
	}
	if cfg.ServerPort != 8080 {
		t.Errorf("server port = %d, want 8080", cfg.ServerPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
	if !cfg.RenderCursors {
		t.Error("render_cursors should default to true")
	}
	if !cfg.Clipboard {
		t.Error("clipboard should default to true")
	}
	if cfg.Outputs == nil || len(cfg.Outputs) != 0 {
		t.Errorf("outputs = %v, want empty slice", cfg.Outputs)
	}
}

func TestLoadExistingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`socket: /run/user/1000/wayland-1
backend: x11
outputs:
  - DP-1
  - HDMI-A-1
fps: 60
render_cursors: false
server_port: 9090
log_level: debug
`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	cfg := m.Get()
	if cfg.Socket != "/run/user/1000/wayland-1" {
		t.Errorf("socket = %q", cfg.Socket)
	}
	if cfg.Backend != BackendX11 {
		t.Errorf("backend = %q, want x11", cfg.Backend)
	}
	if len(cfg.Outputs) != 2 || cfg.Outputs[0] != "DP-1" || cfg.Outputs[1] != "HDMI-A-1" {
		t.Errorf("outputs = %v", cfg.Outputs)
	}
	if cfg.FPS != 60 {
		t.Errorf("fps = %d, want 60", cfg.FPS)
	}
	if cfg.RenderCursors {
		t.Error("render_cursors should be false")
	}
	if cfg.ServerPort != 9090 {
		t.Errorf("server port = %d, want 9090", cfg.ServerPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadFillsOmittedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("outputs:\n  - DP-1\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	cfg := m.Get()
	if cfg.Backend != BackendAuto {
		t.Errorf("backend = %q, want auto", cfg.Backend)
	}
	if cfg.FPS != 30 {
		t.Errorf("fps = %d, want 30", cfg.FPS)
	}
	if cfg.ServerPort != 8080 {
		t.Errorf("server port = %d, want 8080", cfg.ServerPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
}

func TestLoadRejectsInvalidBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("backend: portal\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := NewManager(path); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestUpdatePersists(t *testing.T) {
	m, path := newTestManager(t)

	cfg := m.Get()
	cfg.FPS = 15
	cfg.Outputs = []string{"DP-2"}
	cfg.RenderCursors = false
	if err := m.Update(cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reloaded, err := NewManager(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := reloaded.Get()
	if got.FPS != 15 {
		t.Errorf("fps = %d, want 15", got.FPS)
	}
	if len(got.Outputs) != 1 || got.Outputs[0] != "DP-2" {
		t.Errorf("outputs = %v", got.Outputs)
	}
	if got.RenderCursors {
		t.Error("render_cursors should be false after update")
	}
}

func TestUpdateRejectsInvalid(t *testing.T) {
	m, _ := newTestManager(t)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad backend", func(c *Config) { c.Backend = "portal" }},
		{"zero fps", func(c *Config) { c.FPS = 0 }},
		{"huge fps", func(c *Config) { c.FPS = 1000 }},
		{"bad port", func(c *Config) { c.ServerPort = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := m.Get()
			tt.mutate(cfg)
			if err := m.Update(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSettersPersist(t *testing.T) {
	m, path := newTestManager(t)

	if err := m.SetPort(9191); err != nil {
		t.Fatalf("SetPort: %v", err)
	}
	if err := m.SetLogLevel("debug"); err != nil {
		t.Fatalf("SetLogLevel: %v", err)
	}
	if err := m.SetBackend(BackendWayland); err != nil {
		t.Fatalf("SetBackend: %v", err)
	}
	if err := m.SetFPS(24); err != nil {
		t.Fatalf("SetFPS: %v", err)
	}
	if err := m.SetOutputs([]string{"eDP-1"}); err != nil {
		t.Fatalf("SetOutputs: %v", err)
	}

	reloaded, err := NewManager(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	cfg := reloaded.Get()
	if cfg.ServerPort != 9191 || cfg.LogLevel != "debug" ||
		cfg.Backend != BackendWayland || cfg.FPS != 24 {
		t.Errorf("reloaded config = %+v", cfg)
	}
	if len(cfg.Outputs) != 1 || cfg.Outputs[0] != "eDP-1" {
		t.Errorf("outputs = %v", cfg.Outputs)
	}
}

func TestSettersValidate(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.SetPort(-1); err == nil {
		t.Error("SetPort accepted negative port")
	}
	if err := m.SetLogLevel("loud"); err == nil {
		t.Error("SetLogLevel accepted unknown level")
	}
	if err := m.SetBackend("portal"); err == nil {
		t.Error("SetBackend accepted unknown backend")
	}
	if err := m.SetFPS(0); err == nil {
		t.Error("SetFPS accepted zero")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.SetOutputs([]string{"DP-1"}); err != nil {
		t.Fatalf("SetOutputs: %v", err)
	}

	cfg := m.Get()
	cfg.Outputs[0] = "mutated"
	cfg.FPS = 999

	fresh := m.Get()
	if fresh.Outputs[0] != "DP-1" {
		t.Errorf("outputs aliased: %v", fresh.Outputs)
	}
	if fresh.FPS == 999 {
		t.Error("struct aliased")
	}
}
