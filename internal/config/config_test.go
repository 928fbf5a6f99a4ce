package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("LOBBY_MAX_AGE", "")
	t.Setenv("ALLOWED_ORIGINS", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 2*time.Hour, cfg.LobbyMaxAge)
	assert.Equal(t, time.Minute, cfg.ReapInterval)
	assert.Equal(t, 3*time.Minute, cfg.DisconnectGrace)
	assert.Equal(t, time.Minute, cfg.EvictInterval)
	assert.Equal(t, []string{"localhost:*"}, cfg.AllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("DISCONNECT_GRACE", "45s")
	t.Setenv("SWEEP_CONCURRENCY", "8")
	t.Setenv("ALLOWED_ORIGINS", "example.com, *.example.com ,")
	t.Setenv("WS_MESSAGES_PER_SECOND", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.DisconnectGrace)
	assert.Equal(t, 8, cfg.SweepConcurrency)
	assert.Equal(t, []string{"example.com", "*.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 2.5, cfg.WSMessagesPerSecond)
}

func TestLoadRequiresDatabaseURLForPostgres(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := &Config{
		StoreDriver:         "sqlite",
		LogLevel:            "loud",
		LobbyMaxAge:         time.Hour,
		ReapInterval:        0,
		DisconnectGrace:     time.Minute,
		EvictInterval:       time.Minute,
		TokenExpire:         time.Hour,
		SweepConcurrency:    0,
		WSMessagesPerSecond: 1,
		WSBurst:             1,
		DBMaxConns:          1,
	}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"STORE_DRIVER", "LOG_LEVEL", "LOBBY_REAP_INTERVAL", "SWEEP_CONCURRENCY"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestNewLogger(t *testing.T) {
	cfg := &Config{LogLevel: "debug", LogFormat: "json"}
	logger := cfg.NewLogger()
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}
