package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestLoadNoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.LargeFileThreshold != 10*1024*1024 {
		t.Errorf("largeFileThreshold = %d, want default", cfg.Store.LargeFileThreshold)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "store:\n  maxItemsPerSession: 7\nserver:\n  corsOrigin: https://example.com\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.MaxItemsPerSession != 7 {
		t.Errorf("maxItemsPerSession = %d, want 7", cfg.Store.MaxItemsPerSession)
	}
	if cfg.Server.CORSOrigin != "https://example.com" {
		t.Errorf("corsOrigin = %q, want https://example.com", cfg.Server.CORSOrigin)
	}
	// Untouched fields keep their defaults.
	if cfg.Store.MaxPinnedItemsPerSession != 50 {
		t.Errorf("maxPinnedItemsPerSession = %d, want default 50", cfg.Store.MaxPinnedItemsPerSession)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Setenv("MAX_ITEMS_PER_SESSION", "3")
	t.Setenv("CORS_ORIGIN", "*")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  maxItemsPerSession: 7\n"), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.MaxItemsPerSession != 3 {
		t.Errorf("maxItemsPerSession = %d, want env override 3", cfg.Store.MaxItemsPerSession)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("unexpected error for missing file: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for port 0")
	}
}

func TestCORSAllows(t *testing.T) {
	tests := []struct {
		name   string
		policy string
		origin string
		want   bool
	}{
		{"wildcard", "*", "https://anything.example", true},
		{"exact match", "https://a.example", "https://a.example", true},
		{"exact mismatch", "https://a.example", "https://b.example", false},
		{"list match", "https://a.example,https://b.example", "https://b.example", true},
		{"list mismatch", "https://a.example,https://b.example", "https://c.example", false},
		{"subdomain glob", "https://*.example.com", "https://app.example.com", true},
		{"subdomain glob mismatch", "https://*.example.com", "https://example.org", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.CORSOrigin = tt.policy
			if got := cfg.CORSAllows(tt.origin); got != tt.want {
				t.Errorf("CORSAllows(%q) with policy %q = %v, want %v", tt.origin, tt.policy, got, tt.want)
			}
		})
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  maxItemsPerSession: 5\n"), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	w, err := NewWatcher(path, initial, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Close()

	reloaded := make(chan *Config, 1)
	w.OnChange(func(c *Config) { reloaded <- c })

	if err := os.WriteFile(path, []byte("store:\n  maxItemsPerSession: 9\n"), 0o644); err != nil {
		t.Fatalf("rewrite temp config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Store.MaxItemsPerSession != 9 {
			t.Errorf("reloaded maxItemsPerSession = %d, want 9", cfg.Store.MaxItemsPerSession)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
