package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/atmx/round-ledger/internal/app"
	"github.com/atmx/round-ledger/internal/config"
	"github.com/atmx/round-ledger/internal/events"
	"github.com/atmx/round-ledger/internal/ledger"
	"github.com/atmx/round-ledger/internal/logging"
)

// The settlement worker credits confirmed deposits and resolves rounds from
// Kafka command topics. Each command is committed only after the ledger
// accepted it or rejected it for good.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.ServiceName+"-worker", cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.KafkaBrokers == "" {
		log.Fatal("KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()
	svc := a.Service

	depositReader := events.NewReader(cfg.KafkaBrokers, cfg.DepositsTopic, cfg.ConsumerGroup)
	defer depositReader.Close()
	resolutionReader := events.NewReader(cfg.KafkaBrokers, cfg.ResolutionsTopic, cfg.ConsumerGroup)
	defer resolutionReader.Close()

	deposits := events.NewDepositConsumer(depositReader, func(ctx context.Context, cmd events.DepositCommand) error {
		bal, err := svc.Deposit(ctx, cmd.Address, cmd.Amount, cmd.TxHash)
		if errors.Is(err, ledger.ErrDuplicateDeposit) {
			log.Info("deposit already credited", zap.String("tx_hash", cmd.TxHash))
			return nil
		}
		if err != nil {
			return err
		}
		log.Info("deposit credited",
			zap.String("address", cmd.Address),
			zap.String("tx_hash", cmd.TxHash),
			zap.Stringer("available", bal.Available),
		)
		return nil
	}, ledger.IsRetryable, log)

	resolutions := events.NewResolutionConsumer(resolutionReader, func(ctx context.Context, cmd events.ResolutionCommand) error {
		n, err := svc.ResolveRound(ctx, cmd.RoundID, cmd.WinningSide)
		if errors.Is(err, ledger.ErrAlreadyResolved) {
			log.Info("round already resolved", zap.Int64("round_id", cmd.RoundID))
			return nil
		}
		if err != nil {
			return err
		}
		log.Info("round resolved",
			zap.Int64("round_id", cmd.RoundID),
			zap.String("winning_side", cmd.WinningSide),
			zap.Int("bets", n),
		)
		return nil
	}, ledger.IsRetryable, log)

	// Metrics and health.
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := svc.Ping(pingCtx); err != nil {
			http.Error(w, "store", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics/health", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	log.Info("settlement-worker started",
		zap.String("deposits", cfg.DepositsTopic),
		zap.String("resolutions", cfg.ResolutionsTopic),
		zap.String("group", cfg.ConsumerGroup),
	)

	var wg sync.WaitGroup
	for _, c := range []*events.Consumer{deposits, resolutions} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Run(ctx); err != nil {
				log.Error("consumer stopped", zap.Error(err))
				stop()
			}
		}()
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("settlement-worker stopped")
}
