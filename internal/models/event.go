package models

import (
	"encoding/json"
	"time"
)

// Event names pushed to websocket subscribers.
const (
	EventLobbyListUpdated   = "LobbyListUpdated"
	EventLobbyCreated       = "LobbyCreated"
	EventLobbyUpdated       = "LobbyUpdated"
	EventLobbyDeleted       = "LobbyDeleted"
	EventPlayerJoined       = "PlayerJoined"
	EventPlayerLeft         = "PlayerLeft"
	EventPlayerDisconnected = "PlayerDisconnected"
	EventPlayerReconnected  = "PlayerReconnected"
)

// LobbyEventRecord is what the fanout appends to the activity log and the historian persists.
type LobbyEventRecord struct {
	LobbyID    int64           `json:"lobby_id"`
	Event      string          `json:"event"`
	ActorID    int64           `json:"actor_id,omitempty"`
	Recipients int             `json:"recipients"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
