package cleanup

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/wordle-multi/internal/database/memstore"
	"github.com/jason-s-yu/wordle-multi/internal/lobby"
	"github.com/jason-s-yu/wordle-multi/internal/models"
	"github.com/jason-s-yu/wordle-multi/internal/registry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type nopNotifier struct{}

func (nopNotifier) NotifyLobby(context.Context, int64, string, any) {}
func (nopNotifier) NotifyUsers(context.Context, int64, []int64, string, any) {}
func (nopNotifier) NotifyGlobal(context.Context, string, any) {}
func (nopNotifier) Forget(int64) {}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type env struct {
	store *memstore.Store
	coord *lobby.Coordinator
	clock *clock
}

func newEnv() *env {
	st := memstore.New()
	c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	coord := lobby.NewCoordinator(st, registry.New(st), nopNotifier{}, quietLogger(), lobby.Options{Now: c.Now})
	return &env{store: st, coord: coord, clock: c}
}

func TestReapOnceDeletesOldWaitingLobbies(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	old, err := e.coord.CreateLobby(ctx, 1, models.LobbyConfig{Name: "Old"})
	require.NoError(t, err)
	e.clock.Advance(90 * time.Minute)
	fresh, err := e.coord.CreateLobby(ctx, 2, models.LobbyConfig{Name: "Fresh"})
	require.NoError(t, err)
	e.clock.Advance(time.Hour)

	s := NewScheduler(e.coord, e.store, nil, nil, quietLogger(), Config{Now: e.clock.Now})
	res, err := s.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Candidates: 1, Processed: 1}, res)

	_, err = e.coord.GetLobby(ctx, old.Lobby.ID)
	assert.Equal(t, lobby.CodeNotFound, lobby.CodeOf(err))
	_, err = e.coord.GetLobby(ctx, fresh.Lobby.ID)
	assert.NoError(t, err)
}

func TestEvictOnceTransfersOwnership(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	d, err := e.coord.CreateLobby(ctx, 1, models.LobbyConfig{Name: "Alpha", MaxPlayers: models.Int(3)})
	require.NoError(t, err)
	_, err = e.coord.JoinLobby(ctx, 2, d.Lobby.ID)
	require.NoError(t, err)
	require.NoError(t, e.coord.HandleReconnect(ctx, 1, "c1"))
	require.NoError(t, e.coord.HandleDisconnect(ctx, 1, "c1"))

	s := NewScheduler(e.coord, e.store, nil, nil, quietLogger(), Config{Now: e.clock.Now})

	e.clock.Advance(2 * time.Minute)
	res, err := s.EvictOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Candidates)

	e.clock.Advance(2 * time.Minute)
	res, err = s.EvictOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Candidates: 1, Processed: 1}, res)

	got, err := e.coord.GetLobby(ctx, d.Lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Lobby.OwnerID)
	require.Len(t, got.Players, 1)
}

type flakyCoordinator struct {
	mu      sync.Mutex
	calls   []int64
	failFor map[int64]bool
}

func (f *flakyCoordinator) ReapLobby(_ context.Context, id int64, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if f.failFor[id] {
		return false, errors.New("boom")
	}
	return true, nil
}

func (f *flakyCoordinator) EvictMember(_ context.Context, m models.Membership, _ time.Time) (bool, error) {
	return f.ReapLobby(context.Background(), m.UserID, time.Time{})
}

type fixedSource struct {
	lobbies []int64
	members []models.Membership
	err     error
}

func (f fixedSource) LobbiesCreatedBefore(context.Context, models.LobbyStatus, time.Time) ([]int64, error) {
	return f.lobbies, f.err
}

func (f fixedSource) DisconnectedBefore(context.Context, time.Time) ([]models.Membership, error) {
	return f.members, f.err
}

func TestSweepContinuesPastFailures(t *testing.T) {
	coord := &flakyCoordinator{failFor: map[int64]bool{2: true, 4: true}}
	src := fixedSource{lobbies: []int64{1, 2, 3, 4, 5}}
	s := NewScheduler(coord, src, nil, nil, quietLogger(), Config{Concurrency: 2})

	res, err := s.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Candidates: 5, Processed: 3, Failed: 2}, res)
	assert.ElementsMatch(t, []int64{1, 2, 3, 4, 5}, coord.calls)

	// the next sweep still runs
	res, err = s.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Candidates)
}

func TestSweepSourceError(t *testing.T) {
	s := NewScheduler(&flakyCoordinator{}, fixedSource{err: errors.New("db down")}, nil, nil, quietLogger(), Config{})
	_, err := s.EvictOnce(context.Background())
	assert.Error(t, err)
}

type fakeLease struct {
	mu       sync.Mutex
	held     map[string]bool
	err      error
	released []string
}

func (f *fakeLease) Acquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func (f *fakeLease) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, key)
	f.released = append(f.released, key)
	return nil
}

func TestSweepLease(t *testing.T) {
	coord := &flakyCoordinator{}
	src := fixedSource{lobbies: []int64{1}}
	lease := &fakeLease{held: map[string]bool{leaseKeyPrefix + JobReap: true}}
	s := NewScheduler(coord, src, lease, nil, quietLogger(), Config{})

	res, err := s.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, coord.calls)

	delete(lease.held, leaseKeyPrefix+JobReap)
	res, err = s.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, []int64{1}, coord.calls)
	assert.Equal(t, []string{leaseKeyPrefix + JobReap}, lease.released)
}

func TestSweepRunsWhenLeaseUnavailable(t *testing.T) {
	coord := &flakyCoordinator{}
	lease := &fakeLease{held: map[string]bool{}, err: errors.New("redis down")}
	s := NewScheduler(coord, fixedSource{lobbies: []int64{7}}, lease, nil, quietLogger(), Config{})

	res, err := s.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
}

func TestStartStopsOnCancel(t *testing.T) {
	coord := &flakyCoordinator{}
	s := NewScheduler(coord, fixedSource{lobbies: []int64{1}}, nil, nil, quietLogger(), Config{
		ReapInterval:  10 * time.Millisecond,
		EvictInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		return len(coord.calls) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
