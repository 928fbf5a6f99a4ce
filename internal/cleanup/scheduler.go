// Package cleanup runs the periodic sweeps that reap inactive lobbies and
// evict members whose disconnect outlived the grace period.
package cleanup

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jason-s-yu/wordle-multi/internal/metrics"
	"github.com/jason-s-yu/wordle-multi/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Coordinator is the set of lobby operations the sweeps invoke.
type Coordinator interface {
	ReapLobby(ctx context.Context, lobbyID int64, cutoff time.Time) (bool, error)
	EvictMember(ctx context.Context, m models.Membership, cutoff time.Time) (bool, error)
}

// Source finds sweep candidates.
type Source interface {
	LobbiesCreatedBefore(ctx context.Context, status models.LobbyStatus, cutoff time.Time) ([]int64, error)
	DisconnectedBefore(ctx context.Context, cutoff time.Time) ([]models.Membership, error)
}

// Lease keeps replicas from running the same sweep at once. Optional.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

const (
	JobReap  = "reap_lobbies"
	JobEvict = "evict_disconnected"

	leaseKeyPrefix = "wordle:sweep:"
)

// Config controls thresholds and cadence. Zero values select the defaults.
type Config struct {
	LobbyMaxAge     time.Duration
	ReapInterval    time.Duration
	DisconnectGrace time.Duration
	EvictInterval   time.Duration
	Concurrency     int
	LeaseTTL        time.Duration
	Now             func() time.Time
}

func (c Config) withDefaults() Config {
	if c.LobbyMaxAge <= 0 {
		c.LobbyMaxAge = 2 * time.Hour
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = 3 * time.Minute
	}
	if c.EvictInterval <= 0 {
		c.EvictInterval = time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Result summarizes one sweep.
type Result struct {
	Candidates int
	Processed  int
	Failed     int
	Skipped    bool // another replica held the lease
}

// Scheduler owns both sweeps.
type Scheduler struct {
	coord   Coordinator
	source  Source
	lease   Lease
	metrics metrics.Recorder
	logger  *logrus.Logger
	cfg     Config
}

// NewScheduler builds a Scheduler. lease and rec may be nil.
func NewScheduler(coord Coordinator, source Source, lease Lease, rec metrics.Recorder, logger *logrus.Logger, cfg Config) *Scheduler {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Scheduler{
		coord:   coord,
		source:  source,
		lease:   lease,
		metrics: rec,
		logger:  logger,
		cfg:     cfg.withDefaults(),
	}
}

// Start runs both sweeps on independent tickers until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.WithFields(logrus.Fields{
		"lobby_max_age":    s.cfg.LobbyMaxAge,
		"reap_interval":    s.cfg.ReapInterval,
		"disconnect_grace": s.cfg.DisconnectGrace,
		"evict_interval":   s.cfg.EvictInterval,
		"concurrency":      s.cfg.Concurrency,
	}).Info("cleanup scheduler started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.loop(ctx, JobReap, s.cfg.ReapInterval, s.ReapOnce)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, JobEvict, s.cfg.EvictInterval, s.EvictOnce)
	}()
	wg.Wait()
	s.logger.Info("cleanup scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job string, interval time.Duration, sweep func(context.Context) (Result, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).WithField("job", job).Error("sweep failed")
			}
		}
	}
}

// ReapOnce deletes every Waiting lobby older than LobbyMaxAge.
func (s *Scheduler) ReapOnce(ctx context.Context) (Result, error) {
	return s.sweep(ctx, JobReap, func(ctx context.Context) ([]func(context.Context) error, error) {
		cutoff := s.cfg.Now().Add(-s.cfg.LobbyMaxAge)
		ids, err := s.source.LobbiesCreatedBefore(ctx, models.LobbyWaiting, cutoff)
		if err != nil {
			return nil, err
		}
		items := make([]func(context.Context) error, 0, len(ids))
		for _, id := range ids {
			items = append(items, func(ctx context.Context) error {
				_, err := s.coord.ReapLobby(ctx, id, cutoff)
				if err != nil {
					s.logger.WithError(err).WithField("lobby_id", id).Warn("failed to reap lobby")
				}
				return err
			})
		}
		return items, nil
	})
}

// EvictOnce removes members disconnected for longer than DisconnectGrace.
func (s *Scheduler) EvictOnce(ctx context.Context) (Result, error) {
	return s.sweep(ctx, JobEvict, func(ctx context.Context) ([]func(context.Context) error, error) {
		cutoff := s.cfg.Now().Add(-s.cfg.DisconnectGrace)
		stale, err := s.source.DisconnectedBefore(ctx, cutoff)
		if err != nil {
			return nil, err
		}
		items := make([]func(context.Context) error, 0, len(stale))
		for _, m := range stale {
			items = append(items, func(ctx context.Context) error {
				_, err := s.coord.EvictMember(ctx, m, cutoff)
				if err != nil {
					s.logger.WithError(err).WithFields(logrus.Fields{
						"lobby_id": m.LobbyID,
						"user_id":  m.UserID,
					}).Warn("failed to evict disconnected member")
				}
				return err
			})
		}
		return items, nil
	})
}

// sweep takes the lease, lists candidates and processes them with bounded
// concurrency. A failing item is counted and never stops the others.
func (s *Scheduler) sweep(ctx context.Context, job string, list func(context.Context) ([]func(context.Context) error, error)) (Result, error) {
	var res Result
	start := s.cfg.Now()

	if s.lease != nil {
		key := leaseKeyPrefix + job
		ok, err := s.lease.Acquire(ctx, key, s.cfg.LeaseTTL)
		if err != nil {
			// Redis trouble should not stop cleanup; sweeps are idempotent.
			s.logger.WithError(err).WithField("job", job).Warn("sweep lease unavailable, running anyway")
		} else if !ok {
			res.Skipped = true
			return res, nil
		} else {
			defer func() {
				if err := s.lease.Release(context.WithoutCancel(ctx), key); err != nil {
					s.logger.WithError(err).WithField("job", job).Warn("failed to release sweep lease")
				}
			}()
		}
	}

	items, err := list(ctx)
	if err != nil {
		return res, err
	}
	res.Candidates = len(items)

	var failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, item := range items {
		g.Go(func() error {
			if err := item(ctx); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Failed = int(failed.Load())
	res.Processed = res.Candidates - res.Failed
	s.metrics.RecordSweep(job, res.Processed, res.Failed, s.cfg.Now().Sub(start))
	if res.Candidates > 0 {
		s.logger.WithFields(logrus.Fields{
			"job":        job,
			"candidates": res.Candidates,
			"failed":     res.Failed,
		}).Info("sweep completed")
	}
	return res, nil
}
