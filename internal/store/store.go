// Package store defines the transactional contract the lobby coordinator runs against.
// internal/database implements it on PostgreSQL and internal/database/memstore in process.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jason-s-yu/wordle-multi/internal/models"
)

var (
	// ErrNotFound is returned when a lobby or membership row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a lobby's version changed under a transaction.
	// Callers retry the whole read-validate-write cycle.
	ErrConflict = errors.New("store: version conflict")

	// ErrDuplicateMembership is the (lobby_id, user_id) uniqueness violation.
	ErrDuplicateMembership = errors.New("store: membership already exists")

	// ErrActiveMembership is the one-active-membership-per-user uniqueness violation.
	ErrActiveMembership = errors.New("store: user already has an active membership")
)

// Tx is the set of primitives available inside a single atomic transaction.
type Tx interface {
	// GetLobby returns the lobby row or ErrNotFound.
	GetLobby(ctx context.Context, lobbyID int64) (*models.Lobby, error)

	// ListMembers returns the lobby's memberships ordered by join order.
	ListMembers(ctx context.Context, lobbyID int64) ([]models.Membership, error)

	// ActiveMembership returns the user's non-removed membership, or nil.
	ActiveMembership(ctx context.Context, userID int64) (*models.Membership, error)

	// MembershipWithStatus returns the user's membership in the given status, or nil.
	MembershipWithStatus(ctx context.Context, userID int64, status models.ConnectionStatus) (*models.Membership, error)

	// InsertLobby stores a new lobby and fills in its ID and Version.
	InsertLobby(ctx context.Context, lobby *models.Lobby) error

	// InsertMembership stores a new membership. Uniqueness violations surface as
	// ErrDuplicateMembership or ErrActiveMembership.
	InsertMembership(ctx context.Context, m *models.Membership) error

	// DeleteMembership removes the (lobby, user) row or returns ErrNotFound.
	DeleteMembership(ctx context.Context, lobbyID, userID int64) error

	// UpdateConnection persists the connection fields of an existing membership.
	UpdateConnection(ctx context.Context, m *models.Membership) error

	// UpdateLobby writes owner and status if the stored version still equals
	// lobby.Version, then bumps the version. Returns ErrConflict otherwise.
	UpdateLobby(ctx context.Context, lobby *models.Lobby) error

	// DeleteLobby removes the lobby and, by cascade, its memberships.
	DeleteLobby(ctx context.Context, lobbyID int64) error
}

// Store is the durable source of truth for lobbies and memberships.
type Store interface {
	// InTx runs fn in one transaction. A nil return commits, anything else rolls back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// LobbyDetail returns the lobby with its members, or ErrNotFound.
	LobbyDetail(ctx context.Context, lobbyID int64) (*models.LobbyDetail, error)

	// AvailableLobbies lists Waiting lobbies with live member counts.
	AvailableLobbies(ctx context.Context) ([]models.LobbySummary, error)

	// ActiveLobbyID returns the lobby holding the user's active membership, or ErrNotFound.
	ActiveLobbyID(ctx context.Context, userID int64) (int64, error)

	// ConnectedMemberIDs lists user ids of the lobby's Connected members.
	ConnectedMemberIDs(ctx context.Context, lobbyID int64) ([]int64, error)

	// LobbiesCreatedBefore lists lobbies in the given status created before cutoff.
	LobbiesCreatedBefore(ctx context.Context, status models.LobbyStatus, cutoff time.Time) ([]int64, error)

	// DisconnectedBefore lists Disconnected memberships whose disconnect stamp is older than cutoff.
	DisconnectedBefore(ctx context.Context, cutoff time.Time) ([]models.Membership, error)

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	Close()
}
