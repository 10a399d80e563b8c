// Package config loads server configuration from a JSON or YAML file
// with DOCNOW_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	HTTPAddr  string `json:"httpAddr" yaml:"httpAddr"`
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat" yaml:"logFormat"`

	Upstream Upstream `json:"upstream" yaml:"upstream"`
	Backoff  Backoff  `json:"backoff" yaml:"backoff"`
	Ingest   Ingest   `json:"ingest" yaml:"ingest"`
}

// Upstream configures the firehose provider and its connection caps.
type Upstream struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// SearchEndpoint is the one-shot historical query API used for
	// backfill when a search is created or refreshed.
	SearchEndpoint string `json:"searchEndpoint" yaml:"searchEndpoint"`
	Token          string `json:"token" yaml:"token"`

	// MaxConnections caps concurrently open streaming sessions.
	MaxConnections int `json:"maxConnections" yaml:"maxConnections"`
	// MaxTermsPerConnection caps filter terms on one session.
	MaxTermsPerConnection int `json:"maxTermsPerConnection" yaml:"maxTermsPerConnection"`

	DialTimeoutMs int `json:"dialTimeoutMs" yaml:"dialTimeoutMs"`
	ReadTimeoutMs int `json:"readTimeoutMs" yaml:"readTimeoutMs"`
}

// Backoff configures the reconnect supervisor.
type Backoff struct {
	InitialMs  int     `json:"initialMs" yaml:"initialMs"`
	MaxMs      int     `json:"maxMs" yaml:"maxMs"`
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	// RateLimitMinMs is the mandatory minimum delay after a rate-limit
	// rejection, regardless of the attempt count.
	RateLimitMinMs int `json:"rateLimitMinMs" yaml:"rateLimitMinMs"`
	// ResetAfterMs resets the attempt counter once a session has been
	// streaming for at least this long.
	ResetAfterMs int `json:"resetAfterMs" yaml:"resetAfterMs"`
}

// Ingest configures the durable queue and the persister.
type Ingest struct {
	// MaxReady is the saturation threshold; enqueues block (pausing the
	// source read loop) while the ready backlog is at or above it.
	MaxReady         int `json:"maxReady" yaml:"maxReady"`
	PersisterWorkers int `json:"persisterWorkers" yaml:"persisterWorkers"`
	BatchSize        int `json:"batchSize" yaml:"batchSize"`
	LeaseMs          int `json:"leaseMs" yaml:"leaseMs"`
	MaxAttempts      int `json:"maxAttempts" yaml:"maxAttempts"`
	RetryDelayMs     int `json:"retryDelayMs" yaml:"retryDelayMs"`
	SweepIntervalMs  int `json:"sweepIntervalMs" yaml:"sweepIntervalMs"`
	// DropOnDeactivate discards queued-but-unpersisted items for a
	// search when it is deactivated. Default is to let them drain.
	DropOnDeactivate  bool `json:"dropOnDeactivate" yaml:"dropOnDeactivate"`
	ShutdownTimeoutMs int  `json:"shutdownTimeoutMs" yaml:"shutdownTimeoutMs"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr:  ":8080",
		LogLevel:  "info",
		LogFormat: "text",
		Upstream: Upstream{
			Endpoint:              "wss://firehose.docnow.io/v2/stream",
			SearchEndpoint:        "https://firehose.docnow.io/v2/search",
			MaxConnections:        2,
			MaxTermsPerConnection: 400,
			DialTimeoutMs:         10_000,
			ReadTimeoutMs:         90_000,
		},
		Backoff: Backoff{
			InitialMs:      250,
			MaxMs:          16_000,
			Multiplier:     2.0,
			RateLimitMinMs: 60_000,
			ResetAfterMs:   16_000,
		},
		Ingest: Ingest{
			MaxReady:          10_000,
			PersisterWorkers:  2,
			BatchSize:         64,
			LeaseMs:           30_000,
			MaxAttempts:       5,
			RetryDelayMs:      1_000,
			SweepIntervalMs:   500,
			ShutdownTimeoutMs: 30_000,
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) over
// the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Duration helpers keep call sites free of ms arithmetic.

func (u Upstream) DialTimeout() time.Duration {
	return time.Duration(u.DialTimeoutMs) * time.Millisecond
}
func (u Upstream) ReadTimeout() time.Duration {
	return time.Duration(u.ReadTimeoutMs) * time.Millisecond
}

func (b Backoff) Initial() time.Duration { return time.Duration(b.InitialMs) * time.Millisecond }
func (b Backoff) Max() time.Duration     { return time.Duration(b.MaxMs) * time.Millisecond }
func (b Backoff) RateLimitMin() time.Duration {
	return time.Duration(b.RateLimitMinMs) * time.Millisecond
}
func (b Backoff) ResetAfter() time.Duration { return time.Duration(b.ResetAfterMs) * time.Millisecond }

func (i Ingest) Lease() time.Duration      { return time.Duration(i.LeaseMs) * time.Millisecond }
func (i Ingest) RetryDelay() time.Duration { return time.Duration(i.RetryDelayMs) * time.Millisecond }
func (i Ingest) SweepInterval() time.Duration {
	return time.Duration(i.SweepIntervalMs) * time.Millisecond
}
func (i Ingest) ShutdownTimeout() time.Duration {
	return time.Duration(i.ShutdownTimeoutMs) * time.Millisecond
}
