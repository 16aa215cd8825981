package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Feed.AggregateInterval != time.Second {
		t.Errorf("expected 1s aggregate interval, got %v", cfg.Feed.AggregateInterval)
	}
	if cfg.Trading.MaxSharesPerOrder != 1000 {
		t.Errorf("expected 1000 max shares, got %d", cfg.Trading.MaxSharesPerOrder)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
server:
  port: "9090"
feed:
  aggregate_interval: 2s
  weights:
    binance: 0.6
    coinbase: 0.4
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Feed.AggregateInterval != 2*time.Second {
		t.Errorf("expected 2s, got %v", cfg.Feed.AggregateInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("file config should validate: %v", err)
	}
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Feed.Weights = map[string]float64{"binance": 0.5, "coinbase": 0.3}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for weights not summing to 1.0")
	}

	cfg.Feed.Weights = map[string]float64{"binance": 1.0, "coinbase": 0.0}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero weight")
	}
}
