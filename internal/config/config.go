package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL       string        `validate:"required"`
	NextbusURL        string        `validate:"required,url"`
	RemoteTimeout     time.Duration `validate:"gt=0"`
	HTTPAddr          string        `validate:"required"`
	CORSOrigins       []string
	NATSURL           string `validate:"omitempty,url"`
	NATSSubjectPrefix string `validate:"required"`
	LogNATSSubjects   bool
	MetricsAddr       string
	ScopeMemoSize     int           `validate:"gte=0"`
	PredictionsEvery  time.Duration `validate:"gte=0"`
}

const defaultNextbusURL = "https://retro.umoiq.com/service/publicXMLFeed"

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Postgres when DATABASE_URL is set, otherwise a local SQLite file
	cfg.DatabaseURL = firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("SQLITE_DATABASE"),
		"transit.db",
	)

	cfg.NextbusURL = getenvDefault("NEXTBUS_URL", defaultNextbusURL)

	if v := os.Getenv("REMOTE_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid REMOTE_TIMEOUT_MS: %q", v)
		}
		cfg.RemoteTimeout = time.Duration(ms) * time.Millisecond
	} else {
		cfg.RemoteTimeout = 10 * time.Second
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	cfg.CORSOrigins = splitList(os.Getenv("CORS_ORIGINS"))

	// Empty NATS_URL disables NATS publishing
	cfg.NATSURL = strings.TrimSpace(os.Getenv("NATS_URL"))
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "transit.changes")

	// Debug logging for NATS publish subjects
	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			cfg.LogNATSSubjects = true
		default:
			cfg.LogNATSSubjects = false
		}
	}

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	if v := os.Getenv("SCOPE_MEMO_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid SCOPE_MEMO_SIZE: %q", v)
		}
		cfg.ScopeMemoSize = n
	} else {
		cfg.ScopeMemoSize = 1024
	}

	// 0 disables the saved-stop predictions watcher
	if v := os.Getenv("PREDICTIONS_INTERVAL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec < 0 {
			return nil, fmt.Errorf("invalid PREDICTIONS_INTERVAL_SEC: %q", v)
		}
		cfg.PredictionsEvery = time.Duration(sec) * time.Second
	} else {
		cfg.PredictionsEvery = 30 * time.Second
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
