package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"AgentLedger/internal/state"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Params != state.DefaultParams() {
		t.Fatalf("expected default params, got %+v", cfg.Params)
	}
	if cfg.Dedup != DedupPostgres {
		t.Fatalf("unexpected dedup backend: %q", cfg.Dedup)
	}
	if cfg.Persist.FlushTimeout != 10*time.Millisecond {
		t.Fatalf("unexpected flush timeout: %s", cfg.Persist.FlushTimeout)
	}
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
postgres:
  dsn: " postgres://u:p@db:5432/ledger "
dedup_backend: " Redis "
redis:
  address: "cache:6379"
  ttl: 24h
persist:
  batch_size: 200
  flush_timeout: 25ms
server:
  read_source: projections
params:
  min_agent_stake: 100000000
  min_arbitrator_stake: 500000000
  min_deposit_amount: 1000000
  fixed_dispute_fee: 5000000
  slash_rate_bps: 2000
  platform_fee_bps: 300
  early_finalization_bps: 7500
  min_voting_participation: 5
  dispute_voting_period: 86400
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://u:p@db:5432/ledger" {
		t.Fatalf("dsn not trimmed: %q", cfg.Postgres.DSN)
	}
	if cfg.Dedup != DedupRedis {
		t.Fatalf("dedup backend not normalized: %q", cfg.Dedup)
	}
	if cfg.Redis.TTL != 24*time.Hour {
		t.Fatalf("unexpected redis ttl: %s", cfg.Redis.TTL)
	}
	if cfg.Persist.BatchSize != 200 || cfg.Persist.FlushTimeout != 25*time.Millisecond {
		t.Fatalf("unexpected persist config: %+v", cfg.Persist)
	}
	if cfg.Server.ReadSource != ReadFromProjections {
		t.Fatalf("unexpected read source: %q", cfg.Server.ReadSource)
	}
	if cfg.Params.MinVotingParticipation != 5 || cfg.Params.FixedDisputeFee != 5_000_000 {
		t.Fatalf("params not loaded: %+v", cfg.Params)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.GRPCAddr != ":9090" {
		t.Fatalf("unexpected grpc addr: %q", cfg.Server.GRPCAddr)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
postgres:
  dns: "typo"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":7000"
`)
	t.Setenv("AGENT_HTTP_ADDR", ":7001")
	t.Setenv("AGENT_SNAPSHOT_INTERVAL", "500")
	t.Setenv("AGENT_NATS_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.HTTPAddr != ":7001" {
		t.Fatalf("env did not override file: %q", cfg.Server.HTTPAddr)
	}
	if cfg.Snapshot.Interval != 500 {
		t.Fatalf("unexpected snapshot interval: %d", cfg.Snapshot.Interval)
	}
	if cfg.NATS.Enabled {
		t.Fatal("expected nats disabled")
	}
}

func TestEnvRejectsBadNumbers(t *testing.T) {
	t.Setenv("AGENT_PERSIST_BATCH_SIZE", "fifty")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "AGENT_PERSIST_BATCH_SIZE") {
		t.Fatalf("expected AGENT_PERSIST_BATCH_SIZE error, got %v", err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Dedup = "memcached"
	cfg.Persist.BatchSize = 0
	cfg.Params.EarlyFinalizationBps = 5_000

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"dedup_backend", "persist.batch_size", "early_finalization_bps"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidateRedisNeedsAddress(t *testing.T) {
	cfg := Default()
	cfg.Dedup = DedupRedis
	cfg.Redis.Address = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for redis backend without address")
	}
}

func TestTrustedProxies(t *testing.T) {
	t.Setenv("AGENT_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.1")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Server.TrustedProxies) != 2 {
		t.Fatalf("unexpected trusted proxies: %v", cfg.Server.TrustedProxies)
	}
	if len(Default().Server.TrustedProxies) != 0 {
		t.Fatal("no proxy should be trusted by default")
	}

	cfg.Server.TrustedProxies = append(cfg.Server.TrustedProxies, "lb.internal")
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "trusted_proxies") {
		t.Fatalf("expected trusted_proxies error, got %v", err)
	}
}
