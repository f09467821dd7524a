// Package config loads runtime settings from the environment. A local .env
// file is read first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds settings for the server, the settlement worker and the
// migrator. Empty connection strings select in-process fallbacks.
type Config struct {
	Env         string // "local", "dev", "prod"
	ServiceName string

	Port        string
	MetricsPort string // settlement worker /metrics and /health

	DatabaseURL string // empty: in-memory store
	RedisURL    string // empty: no caches

	KafkaBrokers      string // "a:9092,b:9092"; empty: events go to WebSocket only
	LedgerEventsTopic string
	DepositsTopic     string
	ResolutionsTopic  string
	ConsumerGroup     string

	EthRPCURL             string // empty: simulated vault
	VaultPrivateKey       string
	VaultGasLimit         uint64
	SimulatedVaultAddress string
	SimulatedVaultBalance decimal.Decimal

	PayoutMultiplier decimal.Decimal
	MaxStake         decimal.Decimal // zero disables
	MaxLocked        decimal.Decimal // zero disables

	VaultBalanceTTL            time.Duration
	ProfileCacheTTL            time.Duration
	VaultCallTimeout           time.Duration
	ConfirmTimeout             time.Duration
	ReconcileInterval          time.Duration
	WithdrawalRebroadcastAfter time.Duration

	WebhookSecret string // empty: webhook routes are unauthenticated
}

// Load reads the environment. Malformed values are reported together.
func Load() (Config, error) {
	_ = godotenv.Load()

	var errs []error
	p := parser{errs: &errs}

	cfg := Config{
		Env:         getEnv("ENV", "local"),
		ServiceName: getEnv("SERVICE_NAME", "round-ledger"),

		Port:        getEnv("PORT", "8080"),
		MetricsPort: getEnv("METRICS_PORT", "9095"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		KafkaBrokers:      getEnv("KAFKA_BROKERS", ""),
		LedgerEventsTopic: getEnv("LEDGER_EVENTS_TOPIC", "ledger.events"),
		DepositsTopic:     getEnv("DEPOSITS_TOPIC", "ledger.deposits"),
		ResolutionsTopic:  getEnv("RESOLUTIONS_TOPIC", "ledger.resolutions"),
		ConsumerGroup:     getEnv("KAFKA_CONSUMER_GROUP", "settlement-worker"),

		EthRPCURL:             getEnv("ETH_RPC_URL", ""),
		VaultPrivateKey:       getEnv("VAULT_PRIVATE_KEY", ""),
		VaultGasLimit:         p.uint64("VAULT_GAS_LIMIT", 21000),
		SimulatedVaultAddress: getEnv("SIMULATED_VAULT_ADDRESS", "0x000000000000000000000000000000000000dead"),
		SimulatedVaultBalance: p.decimal("SIMULATED_VAULT_BALANCE", "1000"),

		PayoutMultiplier: p.decimal("PAYOUT_MULTIPLIER", "2"),
		MaxStake:         p.decimal("MAX_STAKE", "0"),
		MaxLocked:        p.decimal("MAX_LOCKED", "0"),

		VaultBalanceTTL:            p.duration("VAULT_BALANCE_TTL", 5*time.Second),
		ProfileCacheTTL:            p.duration("PROFILE_CACHE_TTL", 10*time.Second),
		VaultCallTimeout:           p.duration("VAULT_CALL_TIMEOUT", 10*time.Second),
		ConfirmTimeout:             p.duration("CONFIRM_TIMEOUT", 2*time.Minute),
		ReconcileInterval:          p.duration("RECONCILE_INTERVAL", 15*time.Second),
		WithdrawalRebroadcastAfter: p.duration("WITHDRAWAL_REBROADCAST_AFTER", 5*time.Minute),

		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
	}

	if cfg.EthRPCURL != "" && cfg.VaultPrivateKey == "" {
		errs = append(errs, errors.New("VAULT_PRIVATE_KEY is required when ETH_RPC_URL is set"))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// getEnv returns the variable's value or def when unset.
func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

type parser struct {
	errs *[]error
}

func (p parser) fail(key, v string, err error) {
	*p.errs = append(*p.errs, fmt.Errorf("%s=%q: %w", key, v, err))
}

func (p parser) duration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p parser) uint64(key string, def uint64) uint64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p parser) decimal(key, def string) decimal.Decimal {
	v := getEnv(key, def)
	if v == "" {
		v = def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, v, err)
		return decimal.RequireFromString(def)
	}
	return d
}
