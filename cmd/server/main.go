// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/wordle-multi/internal/auth"
	"github.com/jason-s-yu/wordle-multi/internal/cache"
	"github.com/jason-s-yu/wordle-multi/internal/cleanup"
	"github.com/jason-s-yu/wordle-multi/internal/config"
	"github.com/jason-s-yu/wordle-multi/internal/database"
	"github.com/jason-s-yu/wordle-multi/internal/database/memstore"
	"github.com/jason-s-yu/wordle-multi/internal/handlers"
	"github.com/jason-s-yu/wordle-multi/internal/hub"
	"github.com/jason-s-yu/wordle-multi/internal/lobby"
	"github.com/jason-s-yu/wordle-multi/internal/metrics"
	"github.com/jason-s-yu/wordle-multi/internal/registry"
	"github.com/jason-s-yu/wordle-multi/internal/store"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("store: %v", err)
	}
	defer st.Close()

	keys, err := loadKeys(cfg, logger)
	if err != nil {
		logger.Fatalf("auth keys: %v", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(promReg)

	// Redis is optional: without it there is no activity log and every
	// replica runs the sweeps.
	var activity lobby.ActivityLog
	var lease cleanup.Lease
	if cfg.RedisAddr != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		defer rdb.Close()
		activity = cache.NewActivityLog(rdb, cfg.ActivityQueue)
		lease = cache.NewLease(rdb)
		logger.WithField("addr", cfg.RedisAddr).Info("connected to Redis")
	} else {
		logger.Warn("REDIS_ADDR not set; activity log and sweep lease disabled")
	}

	reg := registry.New(st)
	h := hub.New()
	fanout := lobby.NewFanout(reg, h, activity, rec, logger)
	coord := lobby.NewCoordinator(st, reg, fanout, logger, lobby.Options{Metrics: rec})

	sched := cleanup.NewScheduler(coord, st, lease, rec, logger, cleanup.Config{
		LobbyMaxAge:     cfg.LobbyMaxAge,
		ReapInterval:    cfg.ReapInterval,
		DisconnectGrace: cfg.DisconnectGrace,
		EvictInterval:   cfg.EvictInterval,
		Concurrency:     cfg.SweepConcurrency,
		LeaseTTL:        cfg.SweepLeaseTTL,
	})
	schedDone := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(schedDone)
	}()

	router := handlers.NewRouter(handlers.Deps{
		Service: coord,
		Hub:     h,
		Auth:    keys,
		Health:  st,
		Metrics: metrics.Handler(promReg),
		Logger:  logger,
		WS: handlers.WSConfig{
			AllowedOrigins:    cfg.AllowedOrigins,
			MessagesPerSecond: cfg.WSMessagesPerSecond,
			Burst:             cfg.WSBurst,
		},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("Running on %s (store=%s)", srv.Addr, cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server exited: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown did not complete cleanly")
	}
	// websocket sessions are hijacked and invisible to srv.Shutdown; close them
	// so their members are recorded as disconnected before the store goes away
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).WithField("open", h.Len()).Warn("websocket sessions still open at shutdown")
	}
	<-schedDone
}

func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (store.Store, error) {
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn("using in-memory store; state is lost on restart")
		return memstore.New(), nil
	}
	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return nil, err
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to PostgreSQL")
	return database.NewStore(pool), nil
}

// loadKeys reads the public key tokens are verified with. The memory driver
// falls back to a throwaway pair when no key file exists.
func loadKeys(cfg *config.Config, logger *logrus.Logger) (*auth.Keys, error) {
	keys, err := auth.LoadKeys("", cfg.PublicKeyPath, cfg.TokenExpire)
	if err == nil {
		return keys, nil
	}
	if cfg.StoreDriver != config.DriverMemory || !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	logger.WithError(err).Warn("no JWT keys found; generating ephemeral keys (tokens will not survive a restart)")
	return auth.GenerateKeys(cfg.TokenExpire)
}
