// internal/models/membership.go
package models

import "time"

// ConnectionStatus mirrors lobby_members.connection_status.
type ConnectionStatus int

const (
	Connected ConnectionStatus = iota
	Disconnected
	Removed
)

func (s ConnectionStatus) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Active reports whether the status still counts as lobby membership.
func (s ConnectionStatus) Active() bool {
	return s != Removed
}

// Membership is one row of lobby_members: a user inside a lobby.
type Membership struct {
	LobbyID          int64            `json:"lobbyId"`
	UserID           int64            `json:"userId"`
	JoinOrder        int              `json:"joinOrder"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	LastConnectedAt  time.Time        `json:"lastConnectedAt"`
	DisconnectedAt   *time.Time       `json:"disconnectedAt,omitempty"`

	// Score columns are owned by gameplay and carried through untouched.
	TotalScore int `json:"totalScore"`
	RoundsWon  int `json:"roundsWon"`
}

// MemberView is the public projection of a member inside a LobbyDetail.
type MemberView struct {
	UserID           int64            `json:"userId"`
	Username         string           `json:"username"`
	JoinOrder        int              `json:"joinOrder"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	IsOwner          bool             `json:"isOwner"`
}
