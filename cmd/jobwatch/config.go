package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/tendant/simple-jobwatch/internal/poller"
)

type config struct {
	APIURL        string
	SessionCookie string
	Poller        poller.Config
	StoreBackend  string
	StoreDir      string
	RedisAddr     string
	RedisPrefix   string
	NATSURL       string
	EventSubject  string
	Retention     time.Duration
	Heartbeat     time.Duration
	LogFormat     string
	LogLevel      slog.Level
}

func LoadConfig() (config, error) {
	cfg := config{
		APIURL:        getenv("JOBWATCH_API_URL", "http://localhost:5000"),
		SessionCookie: sessionCookie(getenv("JOBWATCH_SESSION_COOKIE", "")),
		StoreBackend:  strings.ToLower(getenv("STORE_BACKEND", "file")),
		StoreDir:      getenv("STORE_DIR", "./data/jobwatch"),
		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPrefix:   getenv("REDIS_PREFIX", "jobwatch:"),
		NATSURL:       getenv("NATS_URL", ""),
		EventSubject:  getenv("EVENT_SUBJECT", "jobwatch.jobs"),
		LogFormat:     strings.ToLower(getenv("LOG_FORMAT", "text")),
	}

	switch cfg.StoreBackend {
	case "file", "memory", "redis":
	default:
		return config{}, fmt.Errorf("invalid STORE_BACKEND %q (want file, memory or redis)", cfg.StoreBackend)
	}
	switch cfg.LogFormat {
	case "text", "json", "pretty":
	default:
		return config{}, fmt.Errorf("invalid LOG_FORMAT %q (want text, json or pretty)", cfg.LogFormat)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getenv("LOG_LEVEL", "info"))); err != nil {
		return config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	pc := poller.DefaultConfig()
	var err error
	if pc.Interval, err = parseDuration(getenv("POLL_INTERVAL", "2s"), "POLL_INTERVAL"); err != nil {
		return config{}, err
	}
	if pc.RequestTimeout, err = parseDuration(getenv("REQUEST_TIMEOUT", "15s"), "REQUEST_TIMEOUT"); err != nil {
		return config{}, err
	}
	if pc.BaseBackoff, err = parseDuration(getenv("POLL_BACKOFF_BASE", "1s"), "POLL_BACKOFF_BASE"); err != nil {
		return config{}, err
	}
	if pc.MaxBackoff, err = parseDuration(getenv("POLL_BACKOFF_MAX", "30s"), "POLL_BACKOFF_MAX"); err != nil {
		return config{}, err
	}
	if pc.MaxBackoff < pc.BaseBackoff {
		return config{}, fmt.Errorf("POLL_BACKOFF_MAX (%s) must not be below POLL_BACKOFF_BASE (%s)", pc.MaxBackoff, pc.BaseBackoff)
	}
	if pc.MaxRetries, err = parsePositiveInt(getenv("POLL_MAX_RETRIES", "5"), "POLL_MAX_RETRIES"); err != nil {
		return config{}, err
	}
	if pc.Concurrency, err = parsePositiveInt(getenv("POLL_CONCURRENCY", "3"), "POLL_CONCURRENCY"); err != nil {
		return config{}, err
	}
	pc.Batch = getenvBool("POLL_BATCH", true)
	cfg.Poller = pc

	days, err := parsePositiveInt(getenv("RETENTION_DAYS", "30"), "RETENTION_DAYS")
	if err != nil {
		return config{}, err
	}
	cfg.Retention = time.Duration(days) * 24 * time.Hour

	if cfg.Heartbeat, err = parseDuration(getenv("HEARTBEAT_INTERVAL", "30s"), "HEARTBEAT_INTERVAL"); err != nil {
		return config{}, err
	}

	return cfg, nil
}

// sessionCookie accepts either a full "name=value" cookie or a bare session value.
func sessionCookie(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.Contains(v, "=") {
		return v
	}
	return "session=" + v
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	case "pretty":
		return slog.New(tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen}))
	default:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	}
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func parseDuration(value string, name string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %s)", name, d)
	}
	return d, nil
}

func getenvBool(key string, defaultValue bool) bool {
	val := getenv(key, "")
	if val == "" {
		return defaultValue
	}
	return val == "true"
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
