package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "intelmarket.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"runtime": {"environment": "Development"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dir := filepath.Dir(path)

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address %s", cfg.Server.Address)
	}
	if cfg.Runtime.Environment != "development" || cfg.Runtime.IsProduction() {
		t.Fatalf("environment should be normalised, got %s", cfg.Runtime.Environment)
	}
	if cfg.Catalog.Path != filepath.Join(dir, "tiers.yaml") {
		t.Fatalf("unexpected catalog path %s", cfg.Catalog.Path)
	}
	if cfg.Storage.Bolt.Path != filepath.Join(dir, "data", "mandates.db") {
		t.Fatalf("unexpected bolt path %s", cfg.Storage.Bolt.Path)
	}
	if cfg.Payment.ReplayWindow() != 10*time.Minute || cfg.Mandate.CallTimeout() != 30*time.Second {
		t.Fatalf("unexpected durations %+v %+v", cfg.Payment, cfg.Mandate)
	}
	var total int64
	for _, bucket := range cfg.Revenue.Buckets {
		total += bucket.BasisPoints
	}
	if total != 10000 || cfg.Revenue.Remainder != "operations" {
		t.Fatalf("unexpected default buckets %+v", cfg.Revenue)
	}
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	path := writeConfig(t, `{"mandate": {"store": "sqlite"}, "queue": {"driver": "redis"}}`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "mandate.store") || !strings.Contains(msg, "storage.redis.address") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestProofLifetimeBoundedByReplayWindow(t *testing.T) {
	path := writeConfig(t, `{"payment": {"replay_window_seconds": 60}, "signer": {"proof_lifetime_seconds": 120}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected lifetime validation error")
	}
}

func TestResolveDSNFromEnv(t *testing.T) {
	t.Setenv("INTELMARKET_TEST_DSN", "user:pass@tcp(db:3306)/intel")
	cfg := SQLConfig{DSNEnv: "INTELMARKET_TEST_DSN"}
	if cfg.ResolveDSN() != "user:pass@tcp(db:3306)/intel" {
		t.Fatalf("unexpected dsn %q", cfg.ResolveDSN())
	}
}

func TestAuthTokenModeRequiresOperators(t *testing.T) {
	path := writeConfig(t, `{"auth": {"mode": "token"}}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "operator") {
		t.Fatalf("expected operator validation error, got %v", err)
	}

	path = writeConfig(t, `{"auth": {"mode": "token", "operators": [{"name": "ops", "token_env": "INTELMARKET_TEST_OPS_TOKEN", "permissions": ["*"]}]}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Setenv("INTELMARKET_TEST_OPS_TOKEN", " secret ")
	if cfg.Auth.Operators[0].ResolveToken() != "secret" {
		t.Fatalf("unexpected token %q", cfg.Auth.Operators[0].ResolveToken())
	}
	if cfg.Alerting.Format != "json" {
		t.Fatalf("unexpected alerting format %q", cfg.Alerting.Format)
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "intelmarket.json"))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if cfg.Auth.Mode != "token" || len(cfg.Auth.Operators) != 1 {
		t.Fatalf("unexpected auth config %+v", cfg.Auth)
	}
	if filepath.Base(cfg.Web3.ChainConfig) != "chain.yaml" || filepath.Base(cfg.Sensor.Source) != "sensors.json" {
		t.Fatalf("paths should resolve next to the config: %s %s", cfg.Web3.ChainConfig, cfg.Sensor.Source)
	}
}
