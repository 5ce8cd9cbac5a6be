package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("checkpoint:\n  mongo:\n    uri: ${FRINNY_TEST_MONGO}\n"), 0600)
	t.Setenv("FRINNY_TEST_MONGO", "mongodb://db.example:27017")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Checkpoint.Mongo.URI != "mongodb://db.example:27017" {
		t.Errorf("uri = %q, want %q", cfg.Checkpoint.Mongo.URI, "mongodb://db.example:27017")
	}
	if !cfg.Checkpoint.Mongo.Configured() {
		t.Error("Mongo.Configured() = false, want true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: "+dir+"\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Listen.Port != 5001 {
		t.Errorf("port = %d, want 5001", cfg.Listen.Port)
	}
	if cfg.Contexts.RelevanceThreshold() != 0.7 {
		t.Errorf("threshold = %v, want 0.7", cfg.Contexts.RelevanceThreshold())
	}
	if cfg.Contexts.Scorer != "overlap" {
		t.Errorf("scorer = %q, want overlap", cfg.Contexts.Scorer)
	}
	if cfg.Checkpoint.Embedded.Kind != "sqlite" {
		t.Errorf("embedded kind = %q, want sqlite", cfg.Checkpoint.Embedded.Kind)
	}
	want := filepath.Join(dir, "checkpoints.db")
	if cfg.Checkpoint.Embedded.Path != want {
		t.Errorf("embedded path = %q, want %q", cfg.Checkpoint.Embedded.Path, want)
	}
	if cfg.Pipeline.Timeout != 2*time.Minute {
		t.Errorf("pipeline timeout = %v, want 2m", cfg.Pipeline.Timeout)
	}
	if cfg.Models.Provider != "ollama" {
		t.Errorf("provider = %q, want ollama", cfg.Models.Provider)
	}
}

func TestLoad_Durations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "contexts:\n  score_timeout: 250ms\n  lock_idle: 1h\npipeline:\n  timeout: 45s\n"
	os.WriteFile(path, []byte(body), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Contexts.ScoreTimeout != 250*time.Millisecond {
		t.Errorf("score_timeout = %v", cfg.Contexts.ScoreTimeout)
	}
	if cfg.Contexts.LockIdle != time.Hour {
		t.Errorf("lock_idle = %v", cfg.Contexts.LockIdle)
	}
	if cfg.Pipeline.Timeout != 45*time.Second {
		t.Errorf("pipeline timeout = %v", cfg.Pipeline.Timeout)
	}
}

func TestLoad_ZeroThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("contexts:\n  threshold: 0\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Contexts.Threshold == nil || *cfg.Contexts.Threshold != 0 {
		t.Errorf("threshold = %v, want explicit 0", cfg.Contexts.Threshold)
	}
	if got := cfg.Contexts.RelevanceThreshold(); got != 0 {
		t.Errorf("RelevanceThreshold() = %v, want 0", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults ok", mutate: func(*Config) {}},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "unknown log level",
		},
		{
			name:    "threshold out of range",
			mutate:  func(c *Config) { v := 1.5; c.Contexts.Threshold = &v },
			wantErr: "contexts.threshold",
		},
		{
			name:    "openai without key",
			mutate:  func(c *Config) { c.Models.Provider = "openai" },
			wantErr: "openai_api_key",
		},
		{
			name:    "unknown embedded kind",
			mutate:  func(c *Config) { c.Checkpoint.Embedded.Kind = "leveldb" },
			wantErr: "checkpoint.embedded.kind",
		},
		{
			name:    "unknown scorer",
			mutate:  func(c *Config) { c.Contexts.Scorer = "vibes" },
			wantErr: "contexts.scorer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	os.WriteFile(path, []byte("FRINNY_DOTENV_TEST=from-file\n"), 0600)
	t.Cleanup(func() { os.Unsetenv("FRINNY_DOTENV_TEST") })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}
	if got := os.Getenv("FRINNY_DOTENV_TEST"); got != "from-file" {
		t.Errorf("FRINNY_DOTENV_TEST = %q, want from-file", got)
	}

	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("LoadDotEnv(missing) = %v, want nil", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
