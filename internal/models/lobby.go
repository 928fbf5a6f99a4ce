// internal/models/lobby.go
package models

import "time"

// LobbyStatus mirrors the lobbies.status column. Values are serialized as integers.
type LobbyStatus int

const (
	LobbyWaiting LobbyStatus = iota
	LobbyInGame
	LobbyFinished
	LobbyAbandoned
)

func (s LobbyStatus) String() string {
	switch s {
	case LobbyWaiting:
		return "waiting"
	case LobbyInGame:
		return "in_game"
	case LobbyFinished:
		return "finished"
	case LobbyAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Lobby bounds, shared by request validation and the schema CHECK constraints.
const (
	MinNameLength       = 3
	MaxNameLength       = 50
	MinPlayers          = 2
	MaxPlayers          = 8
	MinRounds           = 1
	MaxRounds           = 20
	MinRoundTimeSeconds = 15
	MaxRoundTimeSeconds = 300

	DefaultMaxPlayers       = 2
	DefaultNumberOfRounds   = 1
	DefaultRoundTimeSeconds = 90
)

// Lobby represents a row in the lobbies table.
type Lobby struct {
	ID               int64       `json:"id"`
	Name             string      `json:"name"`
	OwnerID          int64       `json:"ownerId"`
	MaxPlayers       int         `json:"maxPlayers"`
	NumberOfRounds   int         `json:"numberOfRounds"`
	RoundTimeSeconds int         `json:"roundTimeSeconds"`
	Status           LobbyStatus `json:"status"`
	CreatedAt        time.Time   `json:"createdAt"`

	// Version is bumped by every membership change and used for optimistic concurrency.
	Version int64 `json:"-"`
}

// LobbyConfig is the caller-supplied part of a new lobby. A nil numeric field
// was omitted and takes its default; an explicit zero is kept and rejected by
// validation.
type LobbyConfig struct {
	Name             string `json:"name"`
	MaxPlayers       *int   `json:"maxPlayers,omitempty"`
	NumberOfRounds   *int   `json:"numberOfRounds,omitempty"`
	RoundTimeSeconds *int   `json:"roundTimeSeconds,omitempty"`
}

// WithDefaults fills the omitted numeric fields. Every field is non-nil afterwards.
func (c LobbyConfig) WithDefaults() LobbyConfig {
	if c.MaxPlayers == nil {
		c.MaxPlayers = Int(DefaultMaxPlayers)
	}
	if c.NumberOfRounds == nil {
		c.NumberOfRounds = Int(DefaultNumberOfRounds)
	}
	if c.RoundTimeSeconds == nil {
		c.RoundTimeSeconds = Int(DefaultRoundTimeSeconds)
	}
	return c
}

// Int returns a pointer to n.
func Int(n int) *int { return &n }

// LobbySummary is the list projection of a lobby.
type LobbySummary struct {
	ID               int64       `json:"id"`
	Name             string      `json:"name"`
	OwnerID          int64       `json:"ownerId"`
	OwnerUsername    string      `json:"ownerUsername"`
	MaxPlayers       int         `json:"maxPlayers"`
	NumberOfRounds   int         `json:"numberOfRounds"`
	RoundTimeSeconds int         `json:"roundTimeSeconds"`
	Status           LobbyStatus `json:"status"`
	PlayerCount      int         `json:"playerCount"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// LobbyDetail is a summary plus the member list ordered by join order.
type LobbyDetail struct {
	Lobby   LobbySummary `json:"lobby"`
	Players []MemberView `json:"players"`
}

// Member returns the view of the given user, if present.
func (d *LobbyDetail) Member(userID int64) (MemberView, bool) {
	for _, p := range d.Players {
		if p.UserID == userID {
			return p, true
		}
	}
	return MemberView{}, false
}
