// Package memstore is an in-process implementation of store.Store.
//
// Every transaction works on a private copy of the data and swaps it in on
// commit, so a failed transaction leaves nothing behind. The same uniqueness
// rules as the PostgreSQL schema are enforced on insert, and the
// owner-is-a-member rule is checked at commit like the deferred foreign key.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jason-s-yu/wordle-multi/internal/models"
	"github.com/jason-s-yu/wordle-multi/internal/store"
)

type state struct {
	nextLobbyID int64
	lobbies     map[int64]models.Lobby
	members     map[int64]map[int64]models.Membership // lobbyID -> userID -> row
}

func (s *state) clone() *state {
	c := &state{
		nextLobbyID: s.nextLobbyID,
		lobbies:     make(map[int64]models.Lobby, len(s.lobbies)),
		members:     make(map[int64]map[int64]models.Membership, len(s.members)),
	}
	for id, l := range s.lobbies {
		c.lobbies[id] = l
	}
	for lobbyID, rows := range s.members {
		cp := make(map[int64]models.Membership, len(rows))
		for uid, m := range rows {
			if m.DisconnectedAt != nil {
				t := *m.DisconnectedAt
				m.DisconnectedAt = &t
			}
			cp[uid] = m
		}
		c.members[lobbyID] = cp
	}
	return c
}

// Store keeps lobbies and memberships in memory.
type Store struct {
	mu sync.Mutex
	st *state

	usersMu sync.RWMutex
	users   map[int64]string
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		st: &state{
			nextLobbyID: 1,
			lobbies:     make(map[int64]models.Lobby),
			members:     make(map[int64]map[int64]models.Membership),
		},
		users: make(map[int64]string),
	}
}

// AddUser records a display name, standing in for the auth service's users table.
func (s *Store) AddUser(id int64, username string) {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	s.users[id] = username
}

func (s *Store) names() map[int64]string {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	cp := make(map[int64]string, len(s.users))
	for k, v := range s.users {
		cp[k] = v
	}
	return cp
}

// InTx runs fn against a copy of the data and commits it if fn and the
// commit-time checks succeed.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{st: s.st.clone()}
	if err := fn(t); err != nil {
		return err
	}
	if err := t.st.checkOwners(); err != nil {
		return err
	}
	s.st = t.st
	return nil
}

// checkOwners mirrors the deferred lobbies -> lobby_members owner foreign key.
func (s *state) checkOwners() error {
	for id, l := range s.lobbies {
		if _, ok := s.members[id][l.OwnerID]; !ok {
			return fmt.Errorf("memstore: lobby %d owner %d is not a member", id, l.OwnerID)
		}
	}
	return nil
}

func (s *Store) LobbyDetail(ctx context.Context, lobbyID int64) (*models.LobbyDetail, error) {
	s.mu.Lock()
	l, ok := s.st.lobbies[lobbyID]
	members := s.st.sortedMembers(lobbyID)
	s.mu.Unlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return store.BuildDetail(l, members, s.names()), nil
}

func (s *Store) AvailableLobbies(ctx context.Context) ([]models.LobbySummary, error) {
	names := s.names()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.LobbySummary, 0, len(s.st.lobbies))
	for id, l := range s.st.lobbies {
		if l.Status != models.LobbyWaiting {
			continue
		}
		owner := names[l.OwnerID]
		if owner == "" {
			owner = models.FallbackUsername(l.OwnerID)
		}
		out = append(out, store.Summary(l, owner, len(s.st.members[id])))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *Store) ActiveLobbyID(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.st.findUser(userID, func(m models.Membership) bool { return m.ConnectionStatus.Active() }); m != nil {
		return m.LobbyID, nil
	}
	return 0, store.ErrNotFound
}

func (s *Store) ConnectedMemberIDs(ctx context.Context, lobbyID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, m := range s.st.sortedMembers(lobbyID) {
		if m.ConnectionStatus == models.Connected {
			ids = append(ids, m.UserID)
		}
	}
	return ids, nil
}

func (s *Store) LobbiesCreatedBefore(ctx context.Context, status models.LobbyStatus, cutoff time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, l := range s.st.lobbies {
		if l.Status == status && l.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) DisconnectedBefore(ctx context.Context, cutoff time.Time) ([]models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Membership
	for _, rows := range s.st.members {
		for _, m := range rows {
			if m.ConnectionStatus == models.Disconnected && m.DisconnectedAt != nil && m.DisconnectedAt.Before(cutoff) {
				out = append(out, m)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LobbyID != out[j].LobbyID {
			return out[i].LobbyID < out[j].LobbyID
		}
		return out[i].JoinOrder < out[j].JoinOrder
	})
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() {}

func (s *state) sortedMembers(lobbyID int64) []models.Membership {
	rows := s.members[lobbyID]
	out := make([]models.Membership, 0, len(rows))
	for _, m := range rows {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinOrder < out[j].JoinOrder })
	return out
}

func (s *state) findUser(userID int64, match func(models.Membership) bool) *models.Membership {
	for _, rows := range s.members {
		if m, ok := rows[userID]; ok && match(m) {
			return &m
		}
	}
	return nil
}

// tx operates on a private state copy owned by one InTx call.
type tx struct {
	st *state
}

func (t *tx) GetLobby(ctx context.Context, lobbyID int64) (*models.Lobby, error) {
	l, ok := t.st.lobbies[lobbyID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &l, nil
}

func (t *tx) ListMembers(ctx context.Context, lobbyID int64) ([]models.Membership, error) {
	return t.st.sortedMembers(lobbyID), nil
}

func (t *tx) ActiveMembership(ctx context.Context, userID int64) (*models.Membership, error) {
	return t.st.findUser(userID, func(m models.Membership) bool { return m.ConnectionStatus.Active() }), nil
}

func (t *tx) MembershipWithStatus(ctx context.Context, userID int64, status models.ConnectionStatus) (*models.Membership, error) {
	return t.st.findUser(userID, func(m models.Membership) bool { return m.ConnectionStatus == status }), nil
}

func (t *tx) InsertLobby(ctx context.Context, lobby *models.Lobby) error {
	lobby.ID = t.st.nextLobbyID
	lobby.Version = 1
	t.st.nextLobbyID++
	t.st.lobbies[lobby.ID] = *lobby
	t.st.members[lobby.ID] = make(map[int64]models.Membership)
	return nil
}

func (t *tx) InsertMembership(ctx context.Context, m *models.Membership) error {
	rows, ok := t.st.members[m.LobbyID]
	if _, exists := t.st.lobbies[m.LobbyID]; !exists || !ok {
		return fmt.Errorf("memstore: insert membership into lobby %d: %w", m.LobbyID, store.ErrNotFound)
	}
	if _, dup := rows[m.UserID]; dup {
		return store.ErrDuplicateMembership
	}
	if m.ConnectionStatus.Active() {
		if t.st.findUser(m.UserID, func(o models.Membership) bool { return o.ConnectionStatus.Active() }) != nil {
			return store.ErrActiveMembership
		}
	}
	for _, o := range rows {
		if o.JoinOrder == m.JoinOrder {
			return fmt.Errorf("memstore: join order %d already taken in lobby %d: %w", m.JoinOrder, m.LobbyID, store.ErrConflict)
		}
	}
	rows[m.UserID] = *m
	return nil
}

func (t *tx) DeleteMembership(ctx context.Context, lobbyID, userID int64) error {
	rows := t.st.members[lobbyID]
	if _, ok := rows[userID]; !ok {
		return store.ErrNotFound
	}
	delete(rows, userID)
	return nil
}

func (t *tx) UpdateConnection(ctx context.Context, m *models.Membership) error {
	rows := t.st.members[m.LobbyID]
	cur, ok := rows[m.UserID]
	if !ok {
		return store.ErrNotFound
	}
	if m.ConnectionStatus.Active() && !cur.ConnectionStatus.Active() {
		if t.st.findUser(m.UserID, func(o models.Membership) bool { return o.ConnectionStatus.Active() }) != nil {
			return store.ErrActiveMembership
		}
	}
	cur.ConnectionStatus = m.ConnectionStatus
	cur.LastConnectedAt = m.LastConnectedAt
	cur.DisconnectedAt = m.DisconnectedAt
	rows[m.UserID] = cur
	return nil
}

func (t *tx) UpdateLobby(ctx context.Context, lobby *models.Lobby) error {
	cur, ok := t.st.lobbies[lobby.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != lobby.Version {
		return store.ErrConflict
	}
	cur.OwnerID = lobby.OwnerID
	cur.Status = lobby.Status
	cur.Version++
	t.st.lobbies[lobby.ID] = cur
	lobby.Version = cur.Version
	return nil
}

func (t *tx) DeleteLobby(ctx context.Context, lobbyID int64) error {
	if _, ok := t.st.lobbies[lobbyID]; !ok {
		return store.ErrNotFound
	}
	delete(t.st.lobbies, lobbyID)
	delete(t.st.members, lobbyID)
	return nil
}
