// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is read once at startup and treated as immutable.
type Config struct {
	// Server
	Port           string
	AllowedOrigins []string

	// Store
	StoreDriver string
	DatabaseURL string
	DBMaxConns  int32

	// Redis; empty address disables the activity log and sweep lease.
	RedisAddr     string
	RedisDB       int
	ActivityQueue string

	// Auth
	PublicKeyPath  string
	PrivateKeyPath string
	TokenExpire    time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Cleanup
	LobbyMaxAge      time.Duration
	ReapInterval     time.Duration
	DisconnectGrace  time.Duration
	EvictInterval    time.Duration
	SweepConcurrency int
	SweepLeaseTTL    time.Duration

	// WebSocket inbound rate limit
	WSMessagesPerSecond float64
	WSBurst             int

	// Historian
	HistorianBatchSize int
	HistorianFlush     time.Duration
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "localhost:*")),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", DriverPostgres)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBMaxConns:  int32(getEnvInt("DB_MAX_CONNS", 10)),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		ActivityQueue: getEnv("ACTIVITY_QUEUE_NAME", "wordle_lobby_activity"),

		PublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", "keys/public.pem"),
		PrivateKeyPath: getEnv("JWT_PRIVATE_KEY_PATH", "keys/private.pem"),
		TokenExpire:    getEnvDuration("TOKEN_EXPIRE_TIME", 24*time.Hour),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		LobbyMaxAge:      getEnvDuration("LOBBY_MAX_AGE", 2*time.Hour),
		ReapInterval:     getEnvDuration("LOBBY_REAP_INTERVAL", time.Minute),
		DisconnectGrace:  getEnvDuration("DISCONNECT_GRACE", 3*time.Minute),
		EvictInterval:    getEnvDuration("DISCONNECT_SWEEP_INTERVAL", time.Minute),
		SweepConcurrency: getEnvInt("SWEEP_CONCURRENCY", 4),
		SweepLeaseTTL:    getEnvDuration("SWEEP_LEASE_TTL", 30*time.Second),

		WSMessagesPerSecond: getEnvFloat("WS_MESSAGES_PER_SECOND", 5),
		WSBurst:             getEnvInt("WS_BURST", 10),

		HistorianBatchSize: getEnvInt("HISTORIAN_BATCH_SIZE", 20),
		HistorianFlush:     getEnvDuration("HISTORIAN_FLUSH_INTERVAL", 500*time.Millisecond),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case DriverMemory:
	default:
		problems = append(problems, fmt.Sprintf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("LOG_LEVEL: %v", err))
	}
	for name, d := range map[string]time.Duration{
		"LOBBY_MAX_AGE":             c.LobbyMaxAge,
		"LOBBY_REAP_INTERVAL":       c.ReapInterval,
		"DISCONNECT_GRACE":          c.DisconnectGrace,
		"DISCONNECT_SWEEP_INTERVAL": c.EvictInterval,
		"TOKEN_EXPIRE_TIME":         c.TokenExpire,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if c.SweepConcurrency < 1 {
		problems = append(problems, "SWEEP_CONCURRENCY must be at least 1")
	}
	if c.WSMessagesPerSecond <= 0 || c.WSBurst < 1 {
		problems = append(problems, "WS_MESSAGES_PER_SECOND and WS_BURST must be positive")
	}
	if c.DBMaxConns < 1 {
		problems = append(problems, "DB_MAX_CONNS must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func getEnvFloat(key string, def float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
