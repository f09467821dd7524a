package main

import (
	"go.uber.org/zap"

	"github.com/atmx/round-ledger/internal/config"
	"github.com/atmx/round-ledger/internal/logging"
	"github.com/atmx/round-ledger/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New("round-ledger-migrator", cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatal("migration run failed", zap.Error(err))
	}
	log.Info("migration run finished successfully")
}
