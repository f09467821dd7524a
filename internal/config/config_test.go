package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/atmx/round-ledger/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ETH_RPC_URL", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.PayoutMultiplier.String() != "2" {
		t.Errorf("expected default multiplier 2, got %s", cfg.PayoutMultiplier)
	}
	if cfg.ConfirmTimeout != 2*time.Minute || cfg.VaultGasLimit != 21000 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if !cfg.MaxStake.IsZero() {
		t.Errorf("expected stake limit disabled, got %s", cfg.MaxStake)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("PAYOUT_MULTIPLIER", "1.95")
	t.Setenv("MAX_STAKE", "10")
	t.Setenv("VAULT_BALANCE_TTL", "30s")
	t.Setenv("VAULT_GAS_LIMIT", "25000")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9000" || cfg.PayoutMultiplier.String() != "1.95" || cfg.MaxStake.String() != "10" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.VaultBalanceTTL != 30*time.Second || cfg.VaultGasLimit != 25000 {
		t.Errorf("typed overrides not applied: %+v", cfg)
	}
	if cfg.KafkaBrokers != "a:9092,b:9092" {
		t.Errorf("unexpected brokers %q", cfg.KafkaBrokers)
	}
}

func TestLoad_ReportsEveryMalformedValue(t *testing.T) {
	t.Setenv("CONFIRM_TIMEOUT", "soon")
	t.Setenv("MAX_LOCKED", "lots")
	t.Setenv("ETH_RPC_URL", "http://localhost:8545")
	t.Setenv("VAULT_PRIVATE_KEY", "")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"CONFIRM_TIMEOUT", "MAX_LOCKED", "VAULT_PRIVATE_KEY"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("expected error to mention %s, got %v", key, err)
		}
	}
}
