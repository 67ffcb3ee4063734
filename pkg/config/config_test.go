package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  address: 127.0.0.1
  port: 9000
storage:
  db_path: /tmp/idaconnect
session:
  queue_depth: 32
  replay_chunk: 16
  rate_limit:
    rps: 50
    burst: 10
snapshot:
  enabled: true
  cron: "0 * * * *"
  threshold: 500
  prune: true
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:9000" {
		t.Fatalf("Addr() = %q", cfg.Addr())
	}
	if cfg.Storage.DBPath != "/tmp/idaconnect" {
		t.Fatalf("DBPath = %q", cfg.Storage.DBPath)
	}
	if cfg.Session.QueueDepth != 32 || cfg.Session.ReplayChunk != 16 {
		t.Fatalf("session = %+v", cfg.Session)
	}
	if cfg.Session.RateLimit.RPS != 50 || cfg.Session.RateLimit.Burst != 10 {
		t.Fatalf("rate limit = %+v", cfg.Session.RateLimit)
	}
	if !cfg.Snapshot.Enabled || cfg.Snapshot.Cron != "0 * * * *" || cfg.Snapshot.Threshold != 500 || !cfg.Snapshot.Prune {
		t.Fatalf("snapshot = %+v", cfg.Snapshot)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.Session.QueueDepth != DefaultQueueDepth {
		t.Fatalf("QueueDepth = %d", cfg.Session.QueueDepth)
	}
	if cfg.Session.ReplayChunk != DefaultReplayChunk {
		t.Fatalf("ReplayChunk = %d", cfg.Session.ReplayChunk)
	}
	if cfg.Session.MaxPayload != DefaultMaxPayload {
		t.Fatalf("MaxPayload = %d", cfg.Session.MaxPayload)
	}
	if cfg.Snapshot.Threshold != DefaultSnapThresh || cfg.Snapshot.Cron != DefaultSnapCron {
		t.Fatalf("snapshot defaults = %+v", cfg.Snapshot)
	}
	if cfg.Addr() != "0.0.0.0:31013" {
		t.Fatalf("Addr() = %q", cfg.Addr())
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	var cfg Config
	cfg.Session.QueueDepth = 8
	cfg.Snapshot.Cron = "* * * * *"
	cfg.ApplyDefaults()
	if cfg.Session.QueueDepth != 8 || cfg.Snapshot.Cron != "* * * * *" {
		t.Fatalf("defaults clobbered explicit values: %+v", cfg)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IDACONNECT_ADDR", "10.0.0.5:4444")
	t.Setenv("IDACONNECT_DB_PATH", "/data/db")
	t.Setenv("IDACONNECT_QUEUE_DEPTH", "64")
	t.Setenv("IDACONNECT_RATE_RPS", "25.5")
	t.Setenv("IDACONNECT_RATE_BURST", "5")
	t.Setenv("IDACONNECT_SNAPSHOT_CRON", "*/10 * * * *")
	t.Setenv("IDACONNECT_SNAPSHOT_THRESHOLD", "250")
	t.Setenv("IDACONNECT_LOG_LEVEL", "warn")

	var cfg Config
	if !LoadEnvOverrides(&cfg) {
		t.Fatal("LoadEnvOverrides reported no env usage")
	}
	if cfg.Server.Address != "10.0.0.5" || cfg.Server.Port != 4444 {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Storage.DBPath != "/data/db" {
		t.Fatalf("DBPath = %q", cfg.Storage.DBPath)
	}
	if cfg.Session.QueueDepth != 64 {
		t.Fatalf("QueueDepth = %d", cfg.Session.QueueDepth)
	}
	if cfg.Session.RateLimit.RPS != 25.5 || cfg.Session.RateLimit.Burst != 5 {
		t.Fatalf("rate limit = %+v", cfg.Session.RateLimit)
	}
	if cfg.Snapshot.Cron != "*/10 * * * *" || cfg.Snapshot.Threshold != 250 {
		t.Fatalf("snapshot = %+v", cfg.Snapshot)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
}

func TestEnvOverridesIgnoreGarbageNumbers(t *testing.T) {
	t.Setenv("IDACONNECT_QUEUE_DEPTH", "not-a-number")
	var cfg Config
	LoadEnvOverrides(&cfg)
	if cfg.Session.QueueDepth != 0 {
		t.Fatalf("QueueDepth = %d, want untouched", cfg.Session.QueueDepth)
	}
}

func TestLoadEffectivePrecedence(t *testing.T) {
	path := writeConfig(t, `
session:
  queue_depth: 32
snapshot:
  threshold: 500
`)
	t.Setenv("IDACONNECT_QUEUE_DEPTH", "64")

	cfg, envUsed, err := LoadEffective(path)
	if err != nil {
		t.Fatalf("LoadEffective: %v", err)
	}
	if !envUsed {
		t.Fatal("expected envUsed")
	}
	// Env beats file; file beats defaults; defaults fill the rest.
	if cfg.Session.QueueDepth != 64 {
		t.Fatalf("QueueDepth = %d, want env value 64", cfg.Session.QueueDepth)
	}
	if cfg.Snapshot.Threshold != 500 {
		t.Fatalf("Threshold = %d, want file value 500", cfg.Snapshot.Threshold)
	}
	if cfg.Session.ReplayChunk != DefaultReplayChunk {
		t.Fatalf("ReplayChunk = %d, want default", cfg.Session.ReplayChunk)
	}
}

func TestLoadEffectiveMissingFile(t *testing.T) {
	cfg, _, err := LoadEffective(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadEffective: %v", err)
	}
	if cfg.Session.QueueDepth != DefaultQueueDepth {
		t.Fatalf("missing file should still yield defaults, got %+v", cfg.Session)
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := ResolveConfigPath("/flag.yaml", true); got != "/flag.yaml" {
		t.Fatalf("flag set: %q", got)
	}
	t.Setenv("IDACONNECT_CONFIG", "/env.yaml")
	if got := ResolveConfigPath("/flag.yaml", false); got != "/env.yaml" {
		t.Fatalf("env fallback: %q", got)
	}
	os.Unsetenv("IDACONNECT_CONFIG")
	if got := ResolveConfigPath("/flag.yaml", false); got != "/flag.yaml" {
		t.Fatalf("default: %q", got)
	}
}

func TestTLSEnabled(t *testing.T) {
	var cfg Config
	if cfg.TLSEnabled() {
		t.Fatal("TLS enabled with no cert")
	}
	cfg.Server.TLS.CertFile = "cert.pem"
	if cfg.TLSEnabled() {
		t.Fatal("TLS enabled with cert but no key")
	}
	cfg.Server.TLS.KeyFile = "key.pem"
	if !cfg.TLSEnabled() {
		t.Fatal("TLS not enabled with cert and key")
	}
}
