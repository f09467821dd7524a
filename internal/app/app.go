// Package app assembles the ledger service from configuration. The HTTP
// server and the settlement worker share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/round-ledger/internal/config"
	"github.com/atmx/round-ledger/internal/events"
	"github.com/atmx/round-ledger/internal/ledger"
	"github.com/atmx/round-ledger/internal/limits"
	"github.com/atmx/round-ledger/internal/model"
	"github.com/atmx/round-ledger/internal/payout"
	"github.com/atmx/round-ledger/internal/store"
	"github.com/atmx/round-ledger/internal/vault"
)

// App holds the wired ledger and everything that must be closed with it.
type App struct {
	Service *ledger.Service
	Store   store.Store
	Vault   vault.Vault

	cleanup []func()
}

// Build connects every backend named in cfg. Empty connection strings fall
// back to in-process implementations. extra publishers receive every ledger
// event alongside Kafka.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger, extra ...events.Publisher) (*App, error) {
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// --- Store ---
	if cfg.DatabaseURL != "" {
		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		a.Store = store.NewPostgresStore(pool)
		log.Info("connected to PostgreSQL")
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	// --- Caches ---
	var (
		profiles store.ProfileCache = store.NopProfileCache{}
		balances vault.BalanceCache = vault.NewMemoryBalanceCache(time.Now)
	)
	if cfg.RedisURL != "" {
		rdb, err := store.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.cleanup = append(a.cleanup, func() { _ = rdb.Close() })
		profiles = store.NewRedisProfileCache(rdb, cfg.ProfileCacheTTL)
		balances = vault.NewRedisBalanceCache(rdb)
		log.Info("Redis cache enabled")
	}

	// --- Vault ---
	var v vault.Vault
	if cfg.EthRPCURL != "" {
		ev, err := vault.DialEth(ctx, cfg.EthRPCURL, cfg.VaultPrivateKey, cfg.VaultGasLimit)
		if err != nil {
			return nil, fmt.Errorf("vault: %w", err)
		}
		a.cleanup = append(a.cleanup, ev.Close)
		v = ev
		log.Info("vault connected", zap.String("address", ev.Address()))
	} else {
		bal, err := money(cfg.SimulatedVaultBalance)
		if err != nil {
			return nil, fmt.Errorf("SIMULATED_VAULT_BALANCE: %w", err)
		}
		v = vault.NewSimulated(cfg.SimulatedVaultAddress, bal)
		log.Warn("ETH_RPC_URL not set, using simulated vault", zap.Stringer("balance", bal))
	}
	a.Vault = vault.NewCachedVault(v, balances, cfg.VaultBalanceTTL)

	// --- Events ---
	publishers := events.Fanout(extra)
	if cfg.KafkaBrokers != "" {
		kp := events.NewKafkaPublisher(events.NewWriter(cfg.KafkaBrokers, cfg.LedgerEventsTopic))
		a.cleanup = append(a.cleanup, func() { _ = kp.Close() })
		publishers = append(publishers, kp)
		log.Info("publishing ledger events", zap.String("topic", cfg.LedgerEventsTopic))
	}

	// --- Policy and limits ---
	policy, err := payout.NewFixed(cfg.PayoutMultiplier)
	if err != nil {
		return nil, fmt.Errorf("PAYOUT_MULTIPLIER: %w", err)
	}
	maxStake, err := money(cfg.MaxStake)
	if err != nil {
		return nil, fmt.Errorf("MAX_STAKE: %w", err)
	}
	maxLocked, err := money(cfg.MaxLocked)
	if err != nil {
		return nil, fmt.Errorf("MAX_LOCKED: %w", err)
	}

	a.Service = ledger.NewService(a.Store, a.Vault, policy, log,
		ledger.WithLimiter(limits.NewStakeLimiter(maxStake, maxLocked)),
		ledger.WithPublisher(publishers),
		ledger.WithProfileCache(profiles),
		ledger.WithTimeouts(cfg.VaultCallTimeout, cfg.ConfirmTimeout),
	)

	ok = true
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// money converts a configured major-unit amount. Zero stays zero.
func money(d decimal.Decimal) (model.Money, error) {
	if d.IsZero() {
		return 0, nil
	}
	return model.MoneyFromMajor(d)
}
