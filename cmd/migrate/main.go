package main

import (
	"context"
	"time"

	"github.com/tripmate/realtime/internal/config"
	"github.com/tripmate/realtime/internal/logger"
	"github.com/tripmate/realtime/internal/store"
)

var log = logger.Component("migrate")

// migrate applies the bundled schema migrations and exits. It reads the same
// environment as the realtime server.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := logger.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("failed to set up logger")
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Msg("migrations complete")
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{
		MaxOpenConns: 2,
		MaxIdleConns: 1,
		ConnLifetime: cfg.DBConnLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	return store.Migrate(ctx, db)
}
