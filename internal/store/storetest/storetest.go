// Package storetest holds behavioural tests shared by every store.Store
// implementation. Users 1, 2 and 3 must exist as alice, bob and carol.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jason-s-yu/wordle-multi/internal/models"
	"github.com/jason-s-yu/wordle-multi/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises the transactional contract the coordinator relies on.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndRead", func(t *testing.T) { testCreateAndRead(t, newStore(t)) })
	t.Run("DuplicateMembership", func(t *testing.T) { testDuplicateMembership(t, newStore(t)) })
	t.Run("ActiveMembershipUnique", func(t *testing.T) { testActiveMembershipUnique(t, newStore(t)) })
	t.Run("VersionConflict", func(t *testing.T) { testVersionConflict(t, newStore(t)) })
	t.Run("OwnerMustBeMember", func(t *testing.T) { testOwnerMustBeMember(t, newStore(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("ConnectionQueries", func(t *testing.T) { testConnectionQueries(t, newStore(t)) })
	t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, newStore(t)) })
	t.Run("InsertIntoMissingLobby", func(t *testing.T) { testInsertIntoMissingLobby(t, newStore(t)) })
}

// createLobby inserts a Waiting lobby owned by owner with owner at join order 0.
func createLobby(t *testing.T, st store.Store, owner int64, createdAt time.Time) *models.Lobby {
	t.Helper()
	l := &models.Lobby{
		Name:             "Lobby",
		OwnerID:          owner,
		MaxPlayers:       4,
		NumberOfRounds:   1,
		RoundTimeSeconds: 90,
		Status:           models.LobbyWaiting,
		CreatedAt:        createdAt,
	}
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		if err := tx.InsertLobby(context.Background(), l); err != nil {
			return err
		}
		return tx.InsertMembership(context.Background(), member(l.ID, owner, 0))
	})
	require.NoError(t, err)
	return l
}

func member(lobbyID, userID int64, order int) *models.Membership {
	return &models.Membership{
		LobbyID:          lobbyID,
		UserID:           userID,
		JoinOrder:        order,
		ConnectionStatus: models.Connected,
		LastConnectedAt:  base,
	}
}

func addMember(t *testing.T, st store.Store, lobbyID, userID int64, order int) {
	t.Helper()
	require.NoError(t, st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertMembership(context.Background(), member(lobbyID, userID, order))
	}))
}

func testCreateAndRead(t *testing.T, st store.Store) {
	ctx := context.Background()
	l := createLobby(t, st, 1, base)
	assert.NotZero(t, l.ID)
	assert.NotZero(t, l.Version)
	addMember(t, st, l.ID, 2, 1)

	d, err := st.LobbyDetail(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", d.Lobby.OwnerUsername)
	assert.Equal(t, 2, d.Lobby.PlayerCount)
	require.Len(t, d.Players, 2)
	assert.Equal(t, int64(1), d.Players[0].UserID)
	assert.True(t, d.Players[0].IsOwner)
	assert.Equal(t, "bob", d.Players[1].Username)

	list, err := st.AvailableLobbies(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].PlayerCount)

	_, err = st.LobbyDetail(ctx, l.ID+1000)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDuplicateMembership(t *testing.T, st store.Store) {
	l := createLobby(t, st, 1, base)
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		m := member(l.ID, 1, 5)
		m.ConnectionStatus = models.Removed
		return tx.InsertMembership(context.Background(), m)
	})
	assert.ErrorIs(t, err, store.ErrDuplicateMembership)
}

func testActiveMembershipUnique(t *testing.T, st store.Store) {
	createLobby(t, st, 1, base)
	other := createLobby(t, st, 2, base)

	err := st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertMembership(context.Background(), member(other.ID, 1, 1))
	})
	assert.ErrorIs(t, err, store.ErrActiveMembership)
}

func testVersionConflict(t *testing.T, st store.Store) {
	ctx := context.Background()
	l := createLobby(t, st, 1, base)
	addMember(t, st, l.ID, 2, 1)
	stale := *l

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		cur, err := tx.GetLobby(ctx, l.ID)
		if err != nil {
			return err
		}
		cur.OwnerID = 2
		return tx.UpdateLobby(ctx, cur)
	}))

	err := st.InTx(ctx, func(tx store.Tx) error {
		return tx.UpdateLobby(ctx, &stale)
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	d, err := st.LobbyDetail(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Lobby.OwnerID)
}

func testOwnerMustBeMember(t *testing.T, st store.Store) {
	ctx := context.Background()
	l := createLobby(t, st, 1, base)

	err := st.InTx(ctx, func(tx store.Tx) error {
		return tx.DeleteMembership(ctx, l.ID, 1)
	})
	assert.Error(t, err)

	d, err := st.LobbyDetail(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, d.Players, 1)
}

func testRollback(t *testing.T, st store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	var id int64
	err := st.InTx(ctx, func(tx store.Tx) error {
		l := &models.Lobby{Name: "Gone", OwnerID: 1, MaxPlayers: 2, NumberOfRounds: 1, RoundTimeSeconds: 90, CreatedAt: base}
		if err := tx.InsertLobby(ctx, l); err != nil {
			return err
		}
		id = l.ID
		if err := tx.InsertMembership(ctx, member(l.ID, 1, 0)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = st.LobbyDetail(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.ActiveLobbyID(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testConnectionQueries(t *testing.T, st store.Store) {
	ctx := context.Background()
	old := createLobby(t, st, 1, base.Add(-3*time.Hour))
	fresh := createLobby(t, st, 3, base)
	addMember(t, st, old.ID, 2, 1)

	ids, err := st.LobbiesCreatedBefore(ctx, models.LobbyWaiting, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int64{old.ID}, ids)

	lobbyID, err := st.ActiveLobbyID(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, lobbyID)

	gone := base.Add(-10 * time.Minute)
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.MembershipWithStatus(ctx, 2, models.Connected)
		if err != nil {
			return err
		}
		require.NotNil(t, m)
		m.ConnectionStatus = models.Disconnected
		m.DisconnectedAt = &gone
		return tx.UpdateConnection(ctx, m)
	}))

	connected, err := st.ConnectedMemberIDs(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, connected)

	stale, err := st.DisconnectedBefore(ctx, base.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, int64(2), stale[0].UserID)
	assert.Equal(t, 1, stale[0].JoinOrder)

	stale, err = st.DisconnectedBefore(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)

	// a disconnected member still holds its active membership
	lobbyID, err = st.ActiveLobbyID(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, old.ID, lobbyID)
}

func testDeleteCascades(t *testing.T, st store.Store) {
	ctx := context.Background()
	l := createLobby(t, st, 1, base)
	addMember(t, st, l.ID, 2, 1)

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		return tx.DeleteLobby(ctx, l.ID)
	}))

	_, err := st.ActiveLobbyID(ctx, 2)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// both users are free to join elsewhere
	createLobby(t, st, 2, base)
	err = st.InTx(ctx, func(tx store.Tx) error {
		return tx.DeleteLobby(ctx, l.ID)
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testInsertIntoMissingLobby(t *testing.T, st store.Store) {
	ctx := context.Background()
	l := createLobby(t, st, 1, base)
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error { return tx.DeleteLobby(ctx, l.ID) }))

	err := st.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertMembership(ctx, member(l.ID, 2, 1))
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
