package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Remote.BaseURL = "https://sync.example.com"
	cfg.Remote.AuthToken = "tok123"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Remote.BaseURL != "https://sync.example.com" {
		t.Errorf("Remote.BaseURL = %q", loaded.Remote.BaseURL)
	}
	if loaded.Remote.AuthToken != "tok123" {
		t.Errorf("Remote.AuthToken = %q", loaded.Remote.AuthToken)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	// A minimal file written by hand should still produce usable settings.
	if err := os.WriteFile(path, []byte("default_session = \"work\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sync.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", cfg.Sync.BatchSize)
	}
	if cfg.Sync.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want 10", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.BackoffBase() != time.Second {
		t.Errorf("BackoffBase = %v, want 1s", cfg.Sync.BackoffBase())
	}
	if cfg.Remote.Timeout() != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", cfg.Remote.Timeout())
	}
	if cfg.Net.LimitedRTT() != 1500*time.Millisecond {
		t.Errorf("LimitedRTT = %v, want 1.5s", cfg.Net.LimitedRTT())
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.DefaultSession != "default" {
		t.Errorf("DefaultSession = %q, want default", cfg.DefaultSession)
	}
	if cfg.Sync.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Sync.Workers)
	}
}

func TestValidateBaseURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"", false},
		{"https://sync.example.com", false},
		{"http://localhost:8080/api", false},
		{"not a url", true},
		{"://missing-scheme", true},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.Remote.BaseURL = tt.url
		err := cfg.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate() with base_url=%q error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
