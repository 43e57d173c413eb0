package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docdrift/docdrift/internal/local"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMinimalConfig(t *testing.T) {
	path := writeConfig(t, `{
		"databasePath": "projects/demo/databases/main",
		"watchUrl": "wss://sync.example.com/watch",
		"writeUrl": "wss://sync.example.com/write"
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabasePath != "projects/demo/databases/main" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if got := cfg.GCParams(); got != local.DefaultGCParams() {
		t.Errorf("GCParams = %+v, want defaults", got)
	}
	if got := cfg.GCInterval(); got != 5*time.Minute {
		t.Errorf("GCInterval = %v, want 5m", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := writeConfig(t, `{"databasePath": `)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing databasePath", `{"watchUrl": "w", "writeUrl": "w"}`},
		{"missing watchUrl", `{"databasePath": "p", "writeUrl": "w"}`},
		{"missing writeUrl", `{"databasePath": "p", "watchUrl": "w"}`},
		{"percentile out of range", `{"databasePath": "p", "watchUrl": "w", "writeUrl": "w", "gc": {"percentile": 150}}`},
		{"multiplier below one", `{"databasePath": "p", "watchUrl": "w", "writeUrl": "w", "backoff": {"multiplier": 0.5}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestResolvedSettings(t *testing.T) {
	path := writeConfig(t, `{
		"databasePath": "projects/demo/databases/main",
		"watchUrl": "wss://sync.example.com/watch",
		"writeUrl": "wss://sync.example.com/write",
		"backoff": {"initialDelayMs": 500, "maxDelayMs": 10000, "multiplier": 2},
		"gc": {"cacheSizeBytes": -1, "intervalSeconds": 60}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	backoff := cfg.BackoffConfig()
	if backoff.InitialDelay != 500*time.Millisecond {
		t.Errorf("InitialDelay = %v", backoff.InitialDelay)
	}
	if backoff.MaxDelay != 10*time.Second {
		t.Errorf("MaxDelay = %v", backoff.MaxDelay)
	}
	if backoff.Multiplier != 2 {
		t.Errorf("Multiplier = %v", backoff.Multiplier)
	}

	if got := cfg.GCParams().MinBytesThreshold; got != local.GCDisabled {
		t.Errorf("MinBytesThreshold = %d, want disabled", got)
	}
	if got := cfg.GCInterval(); got != time.Minute {
		t.Errorf("GCInterval = %v, want 1m", got)
	}
}
