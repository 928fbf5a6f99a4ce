package lobby

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/wordle-multi/internal/database/memstore"
	"github.com/jason-s-yu/wordle-multi/internal/models"
	"github.com/jason-s-yu/wordle-multi/internal/registry"
	"github.com/jason-s-yu/wordle-multi/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	scope   string // "lobby", "users", "global"
	lobbyID int64
	users   []int64
	name    string
	payload any
	actor   int64
}

// mockNotifier collects events instead of sending them over WS.
type mockNotifier struct {
	mu        sync.Mutex
	events    []sentEvent
	forgotten []int64
}

func (m *mockNotifier) add(ctx context.Context, ev sentEvent) {
	ev.actor, _ = ActorFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *mockNotifier) NotifyLobby(ctx context.Context, lobbyID int64, event string, payload any) {
	m.add(ctx, sentEvent{scope: "lobby", lobbyID: lobbyID, name: event, payload: payload})
}

func (m *mockNotifier) NotifyUsers(ctx context.Context, lobbyID int64, userIDs []int64, event string, payload any) {
	m.add(ctx, sentEvent{scope: "users", lobbyID: lobbyID, users: userIDs, name: event, payload: payload})
}

func (m *mockNotifier) NotifyGlobal(ctx context.Context, event string, payload any) {
	m.add(ctx, sentEvent{scope: "global", name: event, payload: payload})
}

func (m *mockNotifier) Forget(lobbyID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgotten = append(m.forgotten, lobbyID)
}

func (m *mockNotifier) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.scope+":"+ev.name)
	}
	return out
}

func (m *mockNotifier) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	m.forgotten = nil
}

func (m *mockNotifier) last() sentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[len(m.events)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	coord    *Coordinator
	store    *memstore.Store
	registry *registry.Registry
	notify   *mockNotifier
	clock    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	st.AddUser(1, "alice")
	st.AddUser(2, "bob")
	st.AddUser(3, "carol")

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	reg := registry.New(st)
	n := &mockNotifier{}
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	coord := NewCoordinator(st, reg, n, logger, Options{Now: clock.Now, RetryBackoff: time.Microsecond})
	return &fixture{coord: coord, store: st, registry: reg, notify: n, clock: clock}
}

func (f *fixture) create(t *testing.T, owner int64, name string, capacity int) *models.LobbyDetail {
	t.Helper()
	d, err := f.coord.CreateLobby(context.Background(), owner, models.LobbyConfig{Name: name, MaxPlayers: models.Int(capacity)})
	require.NoError(t, err)
	return d
}

func TestCreateLobby(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.coord.CreateLobby(ctx, 1, models.LobbyConfig{Name: "  Quickplay  "})
	require.NoError(t, err)

	assert.Equal(t, "Quickplay", d.Lobby.Name)
	assert.Equal(t, int64(1), d.Lobby.OwnerID)
	assert.Equal(t, "alice", d.Lobby.OwnerUsername)
	assert.Equal(t, models.DefaultMaxPlayers, d.Lobby.MaxPlayers)
	assert.Equal(t, models.DefaultNumberOfRounds, d.Lobby.NumberOfRounds)
	assert.Equal(t, models.DefaultRoundTimeSeconds, d.Lobby.RoundTimeSeconds)
	assert.Equal(t, models.LobbyWaiting, d.Lobby.Status)
	require.Len(t, d.Players, 1)
	assert.Equal(t, models.MemberView{UserID: 1, Username: "alice", JoinOrder: 0, ConnectionStatus: models.Connected, IsOwner: true}, d.Players[0])

	assert.Equal(t, []string{"global:LobbyListUpdated", "lobby:LobbyCreated"}, f.notify.names())
	assert.Equal(t, int64(1), f.notify.last().actor)
}

func TestCreateLobbyInvalidConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []models.LobbyConfig{
		{Name: "ab"},
		{Name: "  ab  "},
		{Name: strings.Repeat("x", 51)},
		{Name: "Lobby", MaxPlayers: models.Int(1)},
		{Name: "Lobby", MaxPlayers: models.Int(9)},
		{Name: "Lobby", NumberOfRounds: models.Int(21)},
		{Name: "Lobby", NumberOfRounds: models.Int(-1)},
		{Name: "Lobby", RoundTimeSeconds: models.Int(14)},
		{Name: "Lobby", RoundTimeSeconds: models.Int(301)},
		{Name: "Lobby", MaxPlayers: models.Int(0)},
		{Name: "Lobby", NumberOfRounds: models.Int(0)},
		{Name: "Lobby", RoundTimeSeconds: models.Int(0)},
	}
	for _, cfg := range cases {
		_, err := f.coord.CreateLobby(ctx, 1, cfg)
		assert.Equal(t, CodeInvalidConfig, CodeOf(err), "config %+v", cfg)
	}
	assert.Empty(t, f.notify.names())

	lobbies, err := f.coord.GetAvailableLobbies(ctx)
	require.NoError(t, err)
	assert.Empty(t, lobbies)
}

func TestCreateLobbyAlreadyInLobby(t *testing.T) {
	f := newFixture(t)
	f.create(t, 1, "First", 2)

	_, err := f.coord.CreateLobby(context.Background(), 1, models.LobbyConfig{Name: "Second"})
	assert.Equal(t, CodeAlreadyInLobby, CodeOf(err))
}

func TestJoinLobby(t *testing.T) {
	f := newFixture(t)
	lobby := f.create(t, 1, "Quickplay", 3)
	f.notify.clear()

	d, err := f.coord.JoinLobby(context.Background(), 2, lobby.Lobby.ID)
	require.NoError(t, err)
	require.Len(t, d.Players, 2)
	assert.Equal(t, 2, d.Lobby.PlayerCount)
	bob, ok := d.Member(2)
	require.True(t, ok)
	assert.Equal(t, 1, bob.JoinOrder)
	assert.False(t, bob.IsOwner)

	assert.Equal(t, []string{"global:LobbyListUpdated", "lobby:PlayerJoined"}, f.notify.names())
	assert.Equal(t, bob, f.notify.last().payload)
}

func TestJoinLobbyErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, 1, "Alpha", 2)

	_, err := f.coord.JoinLobby(ctx, 2, 999)
	assert.Equal(t, CodeNotFound, CodeOf(err))

	_, err = f.coord.JoinLobby(ctx, 1, a.Lobby.ID)
	assert.Equal(t, CodeAlreadyMember, CodeOf(err))

	b := f.create(t, 3, "Bravo", 2)
	_, err = f.coord.JoinLobby(ctx, 3, a.Lobby.ID)
	assert.Equal(t, CodeAlreadyInLobby, CodeOf(err))

	_, err = f.coord.JoinLobby(ctx, 2, a.Lobby.ID)
	require.NoError(t, err)
	_, err = f.coord.JoinLobby(ctx, 2, b.Lobby.ID)
	assert.Equal(t, CodeAlreadyInLobby, CodeOf(err))
}

func TestJoinLobbyNotJoinable(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, 1, "Alpha", 4)
	require.NoError(t, f.store.InTx(context.Background(), func(tx store.Tx) error {
		l, err := tx.GetLobby(context.Background(), a.Lobby.ID)
		if err != nil {
			return err
		}
		l.Status = models.LobbyInGame
		return tx.UpdateLobby(context.Background(), l)
	}))

	_, err := f.coord.JoinLobby(context.Background(), 2, a.Lobby.ID)
	assert.Equal(t, CodeNotJoinable, CodeOf(err))
}

// Lobby at capacity 2 with A and B; C attempts to join.
func TestJoinFullLobby(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, 1, "Quickplay", 2)
	_, err := f.coord.JoinLobby(ctx, 2, a.Lobby.ID)
	require.NoError(t, err)

	_, err = f.coord.JoinLobby(ctx, 3, a.Lobby.ID)
	assert.Equal(t, CodeFull, CodeOf(err))

	d, err := f.coord.GetLobby(ctx, a.Lobby.ID)
	require.NoError(t, err)
	require.Len(t, d.Players, 2)
	assert.Equal(t, int64(1), d.Players[0].UserID)
	assert.Equal(t, int64(2), d.Players[1].UserID)
}

func TestConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const capacity = 4
	a := f.create(t, 1, "Crowded", capacity)
	for uid := int64(2); uid < capacity; uid++ {
		_, err := f.coord.JoinLobby(ctx, uid, a.Lobby.ID)
		require.NoError(t, err)
	}

	// one seat left, many contenders
	const contenders = 20
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[ErrorCode]int{}
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			_, err := f.coord.JoinLobby(ctx, uid, a.Lobby.ID)
			mu.Lock()
			codes[CodeOf(err)]++
			mu.Unlock()
		}(int64(100 + i))
	}
	wg.Wait()

	assert.Equal(t, 1, codes[""])
	assert.Equal(t, contenders-1, codes[CodeFull])

	d, err := f.coord.GetLobby(ctx, a.Lobby.ID)
	require.NoError(t, err)
	assert.Len(t, d.Players, capacity)
}

func TestConcurrentJoinsSameUserTwoLobbies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, 1, "Alpha", 4)
	b := f.create(t, 2, "Bravo", 4)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []int64{a.Lobby.ID, b.Lobby.ID} {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			_, errs[i] = f.coord.JoinLobby(ctx, 3, id)
		}(i, id)
	}
	wg.Wait()

	codes := []ErrorCode{CodeOf(errs[0]), CodeOf(errs[1])}
	assert.ElementsMatch(t, []ErrorCode{"", CodeAlreadyInLobby}, codes)
}

// A creates "Quickplay", B joins, A leaves.
func TestOwnerLeavesTransfersOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, 1, "Quickplay", 2)
	_, err := f.coord.JoinLobby(ctx, 2, a.Lobby.ID)
	require.NoError(t, err)
	f.notify.clear()

	d, err := f.coord.LeaveLobby(ctx, 1, a.Lobby.ID)
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, int64(2), d.Lobby.OwnerID)
	assert.Equal(t, "bob", d.Lobby.OwnerUsername)
	require.Len(t, d.Players, 1)
	assert.Equal(t, 1, d.Players[0].JoinOrder)
	assert.True(t, d.Players[0].IsOwner)

	assert.Equal(t, []string{"global:LobbyListUpdated", "lobby:PlayerLeft", "lobby:LobbyUpdated"}, f.notify.names())
	assert.Equal(t, d, f.notify.last().payload)
}

func TestOwnerLeavesSmallestJoinOrderWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddUser(4, "dave")
	a := f.create(t, 1, "Quad", 4)
	for _, uid := range []int64{2, 3, 4} {
		_, err := f.coord.JoinLobby(ctx, uid, a.Lobby.ID)
		require.NoError(t, err)
	}
	// bob leaves, so carol (join order 2) is the earliest remaining after alice
	_, err := f.coord.LeaveLobby(ctx, 2, a.Lobby.ID)
	require.NoError(t, err)

	d, err := f.coord.LeaveLobby(ctx, 1, a.Lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), d.Lobby.OwnerID)
}

func TestNonOwnerLeaveKeepsOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, 1, "Alpha", 3)
	_, err := f.coord.JoinLobby(ctx, 2, a.Lobby.ID)
	require.NoError(t, err)

	d, err := f.coord.LeaveLobby(ctx, 2, a.Lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Lobby.OwnerID)

	// the seat is free again and join orders stay unique
	_, err = f.coord.JoinLobby(ctx, 3, a.Lobby.ID)
	require.NoError(t, err)
	_, err = f.coord.JoinLobby(ctx, 2, a.Lobby.ID)
	require.NoError(t, err)
	d, err = f.coord.GetLobby(ctx, a.Lobby.ID)
	require.NoError(t, err)
	orders := map[int]bool{}
	for _, p := range d.Players {
		assert.False(t, orders[p.JoinOrder], "duplicate join order %d", p.JoinOrder)
		orders[p.JoinOrder] = true
	}
}

// Sole member A creates a lobby, then leaves.
func TestLastMemberLeaveDeletesLobby(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, 1, "Solo", 2)
	f.notify.clear()

	d, err := f.coord.LeaveLobby(ctx, 1, a.Lobby.ID)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Equal(t, []string{"global:LobbyListUpdated"}, f.notify.names())
	assert.Equal(t, []int64{a.Lobby.ID}, f.notify.forgotten)

	_, err = f.coord.GetLobby(ctx, a.Lobby.ID)
	assert.Equal(t, CodeNotFound, CodeOf(err))

	cur, err := f.coord.GetUserCurrentLobby(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestLeaveErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, 1, "Alpha", 2)

	_, err := f.coord.LeaveLobby(ctx, 1, 999)
	assert.Equal(t, CodeNotFound, CodeOf(err))

	_, err = f.coord.LeaveLobby(ctx, 2, a.Lobby.ID)
	assert.Equal(t, CodeNotMember, CodeOf(err))
}

func TestDisconnectReconnectPreservesMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, 1, "Alpha", 2)
	_, err := f.coord.JoinLobby(ctx, 2, a.Lobby.ID)
	require.NoError(t, err)
	require.NoError(t, f.coord.HandleReconnect(ctx, 1, "conn-1"))
	before, err := f.coord.GetLobby(ctx, a.Lobby.ID)
	require.NoError(t, err)
	f.notify.clear()

	require.NoError(t, f.coord.HandleDisconnect(ctx, 1, "conn-1"))
	mid, err := f.coord.GetLobby(ctx, a.Lobby.ID)
	require.NoError(t, err)
	owner, _ := mid.Member(1)
	assert.Equal(t, models.Disconnected, owner.ConnectionStatus)
	assert.True(t, owner.IsOwner)
	assert.Equal(t, 2, mid.Lobby.PlayerCount)
	_, bound := f.registry.Lookup(1)
	assert.False(t, bound)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.coord.HandleReconnect(ctx, 1, "conn-2"))
	after, err := f.coord.GetLobby(ctx, a.Lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	conn, ok := f.registry.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "conn-2", conn)
	assert.Equal(t, []string{"lobby:PlayerDisconnected", "lobby:PlayerReconnected"}, f.notify.names())
}

// A connects as "x", reconnects as "y", then the close for "x" arrives.
func TestStaleDisconnectIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, 1, "Alpha", 2)

	require.NoError(t, f.coord.HandleReconnect(ctx, 1, "x"))
	require.NoError(t, f.coord.HandleReconnect(ctx, 1, "y"))
	f.notify.clear()
	require.NoError(t, f.coord.HandleDisconnect(ctx, 1, "x"))

	conn, ok := f.registry.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "y", conn)

	d, err := f.coord.GetLobby(ctx, a.Lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Connected, d.Players[0].ConnectionStatus)
	assert.Empty(t, f.notify.names())
}

func TestDisconnectWithoutMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.coord.HandleReconnect(ctx, 3, "c"))
	require.NoError(t, f.coord.HandleDisconnect(ctx, 3, "c"))
	assert.Empty(t, f.notify.names())
}

func TestEvictMemberAfterGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, 1, "Alpha", 2)
	_, err := f.coord.JoinLobby(ctx, 2, a.Lobby.ID)
	require.NoError(t, err)
	require.NoError(t, f.coord.HandleReconnect(ctx, 1, "c1"))
	require.NoError(t, f.coord.HandleDisconnect(ctx, 1, "c1"))

	grace := 3 * time.Minute
	stale, err := f.store.DisconnectedBefore(ctx, f.clock.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)

	// still within grace
	evicted, err := f.coord.EvictMember(ctx, stale[0], f.clock.Now().Add(-grace))
	require.NoError(t, err)
	assert.False(t, evicted)

	f.clock.Advance(grace + time.Second)
	evicted, err = f.coord.EvictMember(ctx, stale[0], f.clock.Now().Add(-grace))
	require.NoError(t, err)
	assert.True(t, evicted)

	d, err := f.coord.GetLobby(ctx, a.Lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Lobby.OwnerID)
	require.Len(t, d.Players, 1)
}

func TestEvictSkipsReconnectedMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, 1, "Alpha", 2)
	require.NoError(t, f.coord.HandleReconnect(ctx, 1, "c1"))
	require.NoError(t, f.coord.HandleDisconnect(ctx, 1, "c1"))
	stale, err := f.store.DisconnectedBefore(ctx, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, f.coord.HandleReconnect(ctx, 1, "c2"))
	f.clock.Advance(time.Hour)
	evicted, err := f.coord.EvictMember(ctx, stale[0], f.clock.Now())
	require.NoError(t, err)
	assert.False(t, evicted)

	_, err = f.coord.GetLobby(ctx, a.Lobby.ID)
	assert.NoError(t, err)
}

func TestReapLobby(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, 1, "Old", 2)
	_, err := f.coord.JoinLobby(ctx, 2, a.Lobby.ID)
	require.NoError(t, err)
	f.notify.clear()

	reaped, err := f.coord.ReapLobby(ctx, a.Lobby.ID, f.clock.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	assert.False(t, reaped)

	f.clock.Advance(3 * time.Hour)
	reaped, err = f.coord.ReapLobby(ctx, a.Lobby.ID, f.clock.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	assert.True(t, reaped)

	assert.Equal(t, []string{"users:LobbyDeleted", "global:LobbyListUpdated"}, f.notify.names())
	assert.ElementsMatch(t, []int64{1, 2}, f.notify.events[0].users)

	_, err = f.coord.GetLobby(ctx, a.Lobby.ID)
	assert.Equal(t, CodeNotFound, CodeOf(err))

	reaped, err = f.coord.ReapLobby(ctx, a.Lobby.ID, f.clock.Now())
	require.NoError(t, err)
	assert.False(t, reaped)

	// both users are free to create again
	f.create(t, 1, "Fresh", 2)
	f.create(t, 2, "Fresh2", 2)
}

func TestReadProjections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, 1, "Alpha", 3)
	f.clock.Advance(time.Second)
	b := f.create(t, 2, "Bravo", 2)
	_, err := f.coord.JoinLobby(ctx, 3, a.Lobby.ID)
	require.NoError(t, err)

	list, err := f.coord.GetAvailableLobbies(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.Lobby.ID, list[0].ID)
	assert.Equal(t, 2, list[1].PlayerCount)
	assert.Equal(t, "alice", list[1].OwnerUsername)

	cur, err := f.coord.GetUserCurrentLobby(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, a.Lobby.ID, cur.Lobby.ID)

	f.store.AddUser(50, "")
	cur, err = f.coord.GetUserCurrentLobby(ctx, 50)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
	assert.Equal(t, CodeInternal, CodeOf(io.EOF))
	assert.Equal(t, CodeFull, CodeOf(errFull))
	wrapped := internalError("x", io.EOF)
	assert.ErrorIs(t, wrapped, io.EOF)
}
