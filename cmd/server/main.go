package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/round-ledger/internal/api"
	"github.com/atmx/round-ledger/internal/app"
	"github.com/atmx/round-ledger/internal/config"
	"github.com/atmx/round-ledger/internal/events"
	"github.com/atmx/round-ledger/internal/ledger"
	"github.com/atmx/round-ledger/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.ServiceName, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- WebSocket hub ---
	wsHub := events.NewWSHub(log)
	go wsHub.Run(ctx)

	// --- Ledger ---
	a, err := app.Build(ctx, cfg, log, wsHub)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	// --- Withdrawal reconciler ---
	reconciler := ledger.NewReconciler(a.Service, cfg.WithdrawalRebroadcastAfter)
	go reconciler.Run(ctx, cfg.ReconcileInterval)

	// --- HTTP ---
	router := api.NewRouter(api.NewHandler(a.Service, log), api.RouterConfig{
		WS:            wsHub.HandleWS,
		WebhookSecret: cfg.WebhookSecret,
	})
	if cfg.WebhookSecret == "" {
		log.Warn("WEBHOOK_SECRET not set, deposit and resolution webhooks are unauthenticated")
	}

	// A withdrawal may spend a vault call, a broadcast and the full
	// confirmation wait before it responds.
	writeTimeout := cfg.ConfirmTimeout + 2*cfg.VaultCallTimeout + 15*time.Second
	srv := api.NewServer(":"+cfg.Port, router, writeTimeout)

	go func() {
		log.Info("round-ledger listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info("shutting down round-ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("round-ledger stopped")
}
