package config

import (
	"os"
	"strconv"
)

// FromEnv overlays DOCNOW_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	setString(&cfg.HTTPAddr, "DOCNOW_HTTP_ADDR")
	setString(&cfg.LogLevel, "DOCNOW_LOG_LEVEL")
	setString(&cfg.LogFormat, "DOCNOW_LOG_FORMAT")

	setString(&cfg.Upstream.Endpoint, "DOCNOW_UPSTREAM_ENDPOINT")
	setString(&cfg.Upstream.SearchEndpoint, "DOCNOW_UPSTREAM_SEARCH_ENDPOINT")
	setString(&cfg.Upstream.Token, "DOCNOW_UPSTREAM_TOKEN")
	setInt(&cfg.Upstream.MaxConnections, "DOCNOW_UPSTREAM_MAX_CONNECTIONS")
	setInt(&cfg.Upstream.MaxTermsPerConnection, "DOCNOW_UPSTREAM_MAX_TERMS_PER_CONNECTION")

	setInt(&cfg.Backoff.InitialMs, "DOCNOW_BACKOFF_INITIAL_MS")
	setInt(&cfg.Backoff.MaxMs, "DOCNOW_BACKOFF_MAX_MS")
	setInt(&cfg.Backoff.RateLimitMinMs, "DOCNOW_BACKOFF_RATE_LIMIT_MIN_MS")

	setInt(&cfg.Ingest.MaxReady, "DOCNOW_INGEST_MAX_READY")
	setInt(&cfg.Ingest.PersisterWorkers, "DOCNOW_INGEST_PERSISTER_WORKERS")
	setInt(&cfg.Ingest.MaxAttempts, "DOCNOW_INGEST_MAX_ATTEMPTS")
	setBool(&cfg.Ingest.DropOnDeactivate, "DOCNOW_INGEST_DROP_ON_DEACTIVATE")
	setInt(&cfg.Ingest.ShutdownTimeoutMs, "DOCNOW_INGEST_SHUTDOWN_TIMEOUT_MS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
