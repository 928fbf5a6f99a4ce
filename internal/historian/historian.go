// Package historian drains the lobby activity queue into the lobby_events table.
package historian

import (
	"context"
	"time"

	"github.com/jason-s-yu/wordle-multi/internal/models"
	"github.com/sirupsen/logrus"
)

// Source yields queued activity records. Pop returns nil, nil when nothing
// arrived within timeout.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (*models.LobbyEventRecord, error)
}

// Sink persists one batch atomically.
type Sink func(ctx context.Context, records []models.LobbyEventRecord) error

// Config controls batching. Zero values select the defaults.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	PopTimeout    time.Duration
	// MaxPending caps how many unflushed records are held while the sink is failing.
	MaxPending int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = time.Second
	}
	if c.PopTimeout > c.FlushInterval {
		c.PopTimeout = c.FlushInterval
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 10 * c.BatchSize
	}
	return c
}

const popErrorBackoff = time.Second

// Historian is single-goroutine; Run must not be called concurrently.
type Historian struct {
	source Source
	sink   Sink
	logger *logrus.Logger
	cfg    Config

	batch     []models.LobbyEventRecord
	lastFlush time.Time
}

func New(source Source, sink Sink, logger *logrus.Logger, cfg Config) *Historian {
	cfg = cfg.withDefaults()
	return &Historian{
		source: source,
		sink:   sink,
		logger: logger,
		cfg:    cfg,
		batch:  make([]models.LobbyEventRecord, 0, cfg.BatchSize),
	}
}

// Run pops records until ctx is cancelled, flushing whenever the batch is
// full or FlushInterval has passed. Whatever is pending is flushed on the way out.
func (h *Historian) Run(ctx context.Context) {
	h.logger.WithFields(logrus.Fields{
		"batch_size":     h.cfg.BatchSize,
		"flush_interval": h.cfg.FlushInterval,
	}).Info("historian started")
	h.lastFlush = time.Now()

	for ctx.Err() == nil {
		rec, err := h.source.Pop(ctx, h.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			h.logger.WithError(err).Error("failed to pop activity record")
			select {
			case <-ctx.Done():
			case <-time.After(popErrorBackoff):
			}
			continue
		}
		if rec != nil {
			h.batch = append(h.batch, *rec)
		}
		if len(h.batch) >= h.cfg.BatchSize || (len(h.batch) > 0 && time.Since(h.lastFlush) >= h.cfg.FlushInterval) {
			h.Flush(ctx)
		}
	}

	h.Flush(context.WithoutCancel(ctx))
	h.logger.Info("historian stopped")
}

// Flush writes the pending batch. On failure the records are kept for the
// next attempt, up to MaxPending; the oldest are dropped beyond that.
func (h *Historian) Flush(ctx context.Context) int {
	h.lastFlush = time.Now()
	if len(h.batch) == 0 {
		return 0
	}
	if err := h.sink(ctx, h.batch); err != nil {
		h.logger.WithError(err).WithField("pending", len(h.batch)).Error("failed to persist activity batch")
		if over := len(h.batch) - h.cfg.MaxPending; over > 0 {
			h.logger.WithField("dropped", over).Warn("activity backlog full, dropping oldest records")
			h.batch = append(h.batch[:0], h.batch[over:]...)
		}
		return 0
	}
	n := len(h.batch)
	h.batch = make([]models.LobbyEventRecord, 0, h.cfg.BatchSize)
	h.logger.WithField("count", n).Debug("flushed activity records")
	return n
}

// Pending reports how many records await a flush.
func (h *Historian) Pending() int {
	return len(h.batch)
}
