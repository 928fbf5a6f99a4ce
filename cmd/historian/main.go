// cmd/historian pops lobby activity records from the Redis queue and persists
// them to the lobby_events table in batches.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/wordle-multi/internal/cache"
	"github.com/jason-s-yu/wordle-multi/internal/config"
	"github.com/jason-s-yu/wordle-multi/internal/database"
	"github.com/jason-s-yu/wordle-multi/internal/historian"
	"github.com/jason-s-yu/wordle-multi/internal/models"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	logger := cfg.NewLogger()
	if cfg.StoreDriver != config.DriverPostgres {
		logger.Fatal("historian requires STORE_DRIVER=postgres")
	}
	if cfg.RedisAddr == "" {
		logger.Fatal("historian requires REDIS_ADDR")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		logger.Fatalf("migrations: %v", err)
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer rdb.Close()

	sink := func(ctx context.Context, records []models.LobbyEventRecord) error {
		return database.InsertLobbyEvents(ctx, pool, records)
	}
	h := historian.New(cache.NewActivityLog(rdb, cfg.ActivityQueue), sink, logger, historian.Config{
		BatchSize:     cfg.HistorianBatchSize,
		FlushInterval: cfg.HistorianFlush,
	})
	h.Run(ctx)
	logger.Info("Historian shutdown complete.")
}
