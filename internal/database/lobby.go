package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/wordle-multi/internal/models"
	"github.com/jason-s-yu/wordle-multi/internal/store"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const lobbyColumns = `l.id, l.name, l.owner_id, l.max_players, l.number_of_rounds,
	l.round_time_seconds, l.status, l.created_at, l.version`

const memberColumns = `m.lobby_id, m.user_id, m.join_order, m.connection_status,
	m.last_connected_at, m.disconnected_at, m.total_score, m.rounds_won`

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// NewStore wraps an open pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InTx runs fn inside a READ COMMITTED transaction. Capacity races are settled by
// the lobby version check in UpdateLobby, uniqueness races by the schema indexes.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
	return translateError(err)
}

// LobbyDetail reads the lobby and its members from one snapshot.
func (s *Store) LobbyDetail(ctx context.Context, lobbyID int64) (*models.LobbyDetail, error) {
	var detail *models.LobbyDetail
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
		l, err := getLobby(ctx, tx, lobbyID)
		if err != nil {
			return err
		}
		members, err := listMembers(ctx, tx, lobbyID)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(members)+1)
		ids = append(ids, l.OwnerID)
		for _, m := range members {
			ids = append(ids, m.UserID)
		}
		names, err := GetUsernames(ctx, tx, ids)
		if err != nil {
			return err
		}
		detail = store.BuildDetail(*l, members, names)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// AvailableLobbies lists Waiting lobbies, newest first, with member counts.
func (s *Store) AvailableLobbies(ctx context.Context) ([]models.LobbySummary, error) {
	q := `
	SELECT ` + lobbyColumns + `,
		COALESCE(u.username, ''),
		(SELECT count(*) FROM lobby_members m WHERE m.lobby_id = l.id)
	FROM lobbies l
	LEFT JOIN users u ON u.id = l.owner_id
	WHERE l.status = $1
	ORDER BY l.created_at DESC, l.id DESC
	`
	rows, err := s.pool.Query(ctx, q, int(models.LobbyWaiting))
	if err != nil {
		return nil, fmt.Errorf("query available lobbies: %w", err)
	}
	defer rows.Close()

	lobbies := []models.LobbySummary{}
	for rows.Next() {
		var (
			l     models.Lobby
			owner string
			count int
		)
		dest := append(lobbyDest(&l), &owner, &count)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		l.Status = models.LobbyStatus(*dest[6].(*int))
		if owner == "" {
			owner = models.FallbackUsername(l.OwnerID)
		}
		lobbies = append(lobbies, store.Summary(l, owner, count))
	}
	return lobbies, rows.Err()
}

func (s *Store) ActiveLobbyID(ctx context.Context, userID int64) (int64, error) {
	q := `SELECT lobby_id FROM lobby_members WHERE user_id = $1 AND connection_status <> $2 LIMIT 1`
	var lobbyID int64
	err := s.pool.QueryRow(ctx, q, userID, int(models.Removed)).Scan(&lobbyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return lobbyID, nil
}

func (s *Store) ConnectedMemberIDs(ctx context.Context, lobbyID int64) ([]int64, error) {
	q := `
	SELECT user_id FROM lobby_members
	WHERE lobby_id = $1 AND connection_status = $2
	ORDER BY join_order
	`
	rows, err := s.pool.Query(ctx, q, lobbyID, int(models.Connected))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *Store) LobbiesCreatedBefore(ctx context.Context, status models.LobbyStatus, cutoff time.Time) ([]int64, error) {
	q := `SELECT id FROM lobbies WHERE status = $1 AND created_at < $2 ORDER BY id`
	rows, err := s.pool.Query(ctx, q, int(status), cutoff)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *Store) DisconnectedBefore(ctx context.Context, cutoff time.Time) ([]models.Membership, error) {
	q := `
	SELECT ` + memberColumns + `
	FROM lobby_members m
	WHERE m.connection_status = $1 AND m.disconnected_at < $2
	ORDER BY m.lobby_id, m.join_order
	`
	rows, err := s.pool.Query(ctx, q, int(models.Disconnected), cutoff)
	if err != nil {
		return nil, err
	}
	return scanMembers(rows)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

// pgTx adapts a pgx transaction to store.Tx.
type pgTx struct {
	q querier
}

func (t *pgTx) GetLobby(ctx context.Context, lobbyID int64) (*models.Lobby, error) {
	return getLobby(ctx, t.q, lobbyID)
}

func (t *pgTx) ListMembers(ctx context.Context, lobbyID int64) ([]models.Membership, error) {
	return listMembers(ctx, t.q, lobbyID)
}

func (t *pgTx) ActiveMembership(ctx context.Context, userID int64) (*models.Membership, error) {
	q := `SELECT ` + memberColumns + ` FROM lobby_members m
	WHERE m.user_id = $1 AND m.connection_status <> $2 LIMIT 1`
	return findMembership(ctx, t.q, q, userID, int(models.Removed))
}

func (t *pgTx) MembershipWithStatus(ctx context.Context, userID int64, status models.ConnectionStatus) (*models.Membership, error) {
	q := `SELECT ` + memberColumns + ` FROM lobby_members m
	WHERE m.user_id = $1 AND m.connection_status = $2 LIMIT 1 FOR UPDATE`
	return findMembership(ctx, t.q, q, userID, int(status))
}

func (t *pgTx) InsertLobby(ctx context.Context, lobby *models.Lobby) error {
	q := `
	INSERT INTO lobbies (name, owner_id, max_players, number_of_rounds, round_time_seconds, status, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING id, version
	`
	err := t.q.QueryRow(ctx, q,
		lobby.Name,
		lobby.OwnerID,
		lobby.MaxPlayers,
		lobby.NumberOfRounds,
		lobby.RoundTimeSeconds,
		int(lobby.Status),
		lobby.CreatedAt,
	).Scan(&lobby.ID, &lobby.Version)
	return translateError(err)
}

func (t *pgTx) InsertMembership(ctx context.Context, m *models.Membership) error {
	q := `
	INSERT INTO lobby_members (lobby_id, user_id, join_order, connection_status, last_connected_at, disconnected_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := t.q.Exec(ctx, q,
		m.LobbyID, m.UserID, m.JoinOrder, int(m.ConnectionStatus), m.LastConnectedAt, m.DisconnectedAt,
	)
	return translateError(err)
}

func (t *pgTx) DeleteMembership(ctx context.Context, lobbyID, userID int64) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM lobby_members WHERE lobby_id = $1 AND user_id = $2`, lobbyID, userID)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) UpdateConnection(ctx context.Context, m *models.Membership) error {
	q := `
	UPDATE lobby_members
	SET connection_status = $3, last_connected_at = $4, disconnected_at = $5
	WHERE lobby_id = $1 AND user_id = $2
	`
	tag, err := t.q.Exec(ctx, q, m.LobbyID, m.UserID, int(m.ConnectionStatus), m.LastConnectedAt, m.DisconnectedAt)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateLobby is the optimistic-concurrency gate: a concurrent writer that bumped
// the version first makes this statement match zero rows.
func (t *pgTx) UpdateLobby(ctx context.Context, lobby *models.Lobby) error {
	q := `
	UPDATE lobbies
	SET owner_id = $2, status = $3, version = version + 1
	WHERE id = $1 AND version = $4
	RETURNING version
	`
	err := t.q.QueryRow(ctx, q, lobby.ID, lobby.OwnerID, int(lobby.Status), lobby.Version).Scan(&lobby.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrConflict
	}
	return translateError(err)
}

func (t *pgTx) DeleteLobby(ctx context.Context, lobbyID int64) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM lobbies WHERE id = $1`, lobbyID)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// lobbyDest returns scan targets for lobbyColumns. Status is scanned into a
// plain int at index 6 and converted by the caller.
func lobbyDest(l *models.Lobby) []any {
	var status int
	return []any{
		&l.ID, &l.Name, &l.OwnerID, &l.MaxPlayers, &l.NumberOfRounds,
		&l.RoundTimeSeconds, &status, &l.CreatedAt, &l.Version,
	}
}

func getLobby(ctx context.Context, q querier, lobbyID int64) (*models.Lobby, error) {
	var l models.Lobby
	dest := lobbyDest(&l)
	err := q.QueryRow(ctx, `SELECT `+lobbyColumns+` FROM lobbies l WHERE l.id = $1`, lobbyID).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Status = models.LobbyStatus(*dest[6].(*int))
	return &l, nil
}

func listMembers(ctx context.Context, q querier, lobbyID int64) ([]models.Membership, error) {
	rows, err := q.Query(ctx, `SELECT `+memberColumns+` FROM lobby_members m WHERE m.lobby_id = $1 ORDER BY m.join_order`, lobbyID)
	if err != nil {
		return nil, err
	}
	return scanMembers(rows)
}

func findMembership(ctx context.Context, q querier, sql string, args ...any) (*models.Membership, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	members, err := scanMembers(rows)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	return &members[0], nil
}

func scanMembers(rows pgx.Rows) ([]models.Membership, error) {
	defer rows.Close()
	var members []models.Membership
	for rows.Next() {
		var (
			m      models.Membership
			status int
		)
		if err := rows.Scan(
			&m.LobbyID, &m.UserID, &m.JoinOrder, &status,
			&m.LastConnectedAt, &m.DisconnectedAt, &m.TotalScore, &m.RoundsWon,
		); err != nil {
			return nil, err
		}
		m.ConnectionStatus = models.ConnectionStatus(status)
		members = append(members, m)
	}
	return members, rows.Err()
}

// translateError maps constraint violations onto the store sentinels.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		switch pgErr.ConstraintName {
		case "lobby_members_pkey":
			return fmt.Errorf("%w: %s", store.ErrDuplicateMembership, pgErr.Message)
		case "lobby_members_active_user_key":
			return fmt.Errorf("%w: %s", store.ErrActiveMembership, pgErr.Message)
		case "lobby_members_join_order_key":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		}
	case "23503": // foreign_key_violation
		if pgErr.ConstraintName == "lobby_members_lobby_id_fkey" {
			// the lobby was deleted after it was read
			return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.Message)
		}
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	}
	return err
}
