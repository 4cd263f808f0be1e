package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, k := range []string{"JOBWATCH_API_URL", "STORE_BACKEND", "POLL_INTERVAL", "POLL_MAX_RETRIES", "POLL_BATCH", "RETENTION_DAYS", "LOG_FORMAT", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.APIURL != "http://localhost:5000" {
		t.Fatalf("unexpected API URL: %s", cfg.APIURL)
	}
	if cfg.StoreBackend != "file" || cfg.StoreDir != "./data/jobwatch" {
		t.Fatalf("unexpected store: %s %s", cfg.StoreBackend, cfg.StoreDir)
	}
	p := cfg.Poller
	if p.Interval != 2*time.Second || p.RequestTimeout != 15*time.Second || p.MaxRetries != 5 || !p.Batch {
		t.Fatalf("unexpected poller config: %+v", p)
	}
	if p.BaseBackoff != time.Second || p.MaxBackoff != 30*time.Second || p.Concurrency != 3 {
		t.Fatalf("unexpected backoff config: %+v", p)
	}
	if cfg.Retention != 30*24*time.Hour || cfg.Heartbeat != 30*time.Second {
		t.Fatalf("unexpected retention/heartbeat: %s %s", cfg.Retention, cfg.Heartbeat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected log level: %s", cfg.LogLevel)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("POLL_BATCH", "false")
	t.Setenv("RETENTION_DAYS", "7")
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("JOBWATCH_SESSION_COOKIE", "abc123")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Poller.Interval != 500*time.Millisecond || cfg.Poller.Batch {
		t.Fatalf("unexpected poller config: %+v", cfg.Poller)
	}
	if cfg.Retention != 7*24*time.Hour {
		t.Fatalf("unexpected retention: %s", cfg.Retention)
	}
	if cfg.StoreBackend != "redis" || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("unexpected store/log level: %s %s", cfg.StoreBackend, cfg.LogLevel)
	}
	if cfg.SessionCookie != "session=abc123" {
		t.Fatalf("unexpected cookie: %s", cfg.SessionCookie)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"interval", "POLL_INTERVAL", "soon"},
		{"negative interval", "POLL_INTERVAL", "-1s"},
		{"retries", "POLL_MAX_RETRIES", "0"},
		{"retention", "RETENTION_DAYS", "not-a-number"},
		{"backend", "STORE_BACKEND", "sqlite"},
		{"log format", "LOG_FORMAT", "xml"},
		{"backoff order", "POLL_BACKOFF_BASE", "1m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := LoadConfig(); err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestSessionCookie(t *testing.T) {
	if got := sessionCookie("session=x; other=y"); got != "session=x; other=y" {
		t.Fatalf("full cookie rewritten: %s", got)
	}
	if got := sessionCookie(""); got != "" {
		t.Fatalf("empty cookie = %q", got)
	}
}

func TestNewLoggerFormats(t *testing.T) {
	for _, format := range []string{"text", "json", "pretty"} {
		var buf bytes.Buffer
		logger := newLogger(&buf, format, slog.LevelInfo)
		logger.Debug("hidden")
		logger.Info("shown", "job_id", "J1")
		out := buf.String()
		if strings.Contains(out, "hidden") || !strings.Contains(out, "J1") {
			t.Fatalf("%s logger output: %q", format, out)
		}
	}
}
