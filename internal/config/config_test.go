package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Upstream.MaxConnections <= 0 {
		t.Fatalf("want positive connection cap")
	}
	if cfg.Upstream.MaxTermsPerConnection <= 0 {
		t.Fatalf("want positive term cap")
	}
	if cfg.Backoff.RateLimitMinMs < cfg.Backoff.MaxMs {
		t.Fatalf("rate limit floor should exceed the generic backoff cap")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docnow.yaml")
	body := []byte("httpAddr: \":9999\"\nupstream:\n  maxTermsPerConnection: 25\ningest:\n  dropOnDeactivate: true\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("httpAddr = %q", cfg.HTTPAddr)
	}
	if cfg.Upstream.MaxTermsPerConnection != 25 {
		t.Fatalf("term cap = %d", cfg.Upstream.MaxTermsPerConnection)
	}
	if !cfg.Ingest.DropOnDeactivate {
		t.Fatalf("expected dropOnDeactivate override")
	}
	// untouched fields keep defaults
	if cfg.Upstream.MaxConnections != Default().Upstream.MaxConnections {
		t.Fatalf("default not preserved")
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docnow.json")
	if err := os.WriteFile(path, []byte(`{"logLevel":"debug"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("logLevel = %q", cfg.LogLevel)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("DOCNOW_UPSTREAM_MAX_CONNECTIONS", "7")
	t.Setenv("DOCNOW_INGEST_DROP_ON_DEACTIVATE", "true")
	cfg := Default()
	FromEnv(&cfg)
	if cfg.Upstream.MaxConnections != 7 {
		t.Fatalf("env override not applied: %d", cfg.Upstream.MaxConnections)
	}
	if !cfg.Ingest.DropOnDeactivate {
		t.Fatalf("bool env override not applied")
	}
}
