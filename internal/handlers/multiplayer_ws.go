package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/wordle-multi/internal/hub"
	"github.com/jason-s-yu/wordle-multi/internal/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Subprotocol is the websocket subprotocol clients must offer.
const Subprotocol = "multiplayer"

// Inbound message types.
const (
	msgJoinLobbyGroup  = "JoinLobbyGroup"
	msgLeaveLobbyGroup = "LeaveLobbyGroup"
	msgPing            = "ping"
	msgPong            = "pong"
)

// WSConfig tunes the multiplayer socket endpoint.
type WSConfig struct {
	AllowedOrigins    []string
	MessagesPerSecond float64
	Burst             int
}

type inboundMessage struct {
	Type    string `json:"type"`
	LobbyID int64  `json:"lobbyId"`
}

// MultiplayerWSHandler serves /hubs/multiplayer. Each accepted socket becomes
// a hub connection bound to the caller; membership connection status follows
// the socket's lifetime.
func MultiplayerWSHandler(svc LobbyService, h *hub.Hub, authn middleware.Authenticator, logger *logrus.Logger, cfg WSConfig) http.HandlerFunc {
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{Subprotocol},
			OriginPatterns: cfg.AllowedOrigins,
		})
		if err != nil {
			logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.CloseNow()

		if c.Subprotocol() != Subprotocol {
			c.Close(BadSubprotocolError, "client must speak the multiplayer subprotocol")
			return
		}

		ident, err := authn.AuthenticateJWT(accessToken(r))
		if err != nil {
			c.Close(InvalidAuthTokenError, "invalid auth token")
			return
		}
		if ident.UserID <= 0 {
			c.Close(InvalidUserIDError, "invalid user id")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		conn := hub.NewConnection(ident.UserID, cancel)
		if err := h.Register(conn); err != nil {
			c.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
		middleware.LogWebSocketConnect(logger, remoteAddr, conn.ID, ident.UserID)

		if err := svc.HandleReconnect(ctx, ident.UserID, conn.ID); err != nil {
			logger.WithError(err).WithField("user_id", ident.UserID).Warn("failed to restore membership on connect")
		}

		go hub.WritePump(ctx, c, conn, logger)

		limiter := rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst)
		readErr := readPump(ctx, c, conn, h, limiter, logger)

		cancel()
		// The hub entry outlives the disconnect bookkeeping so Hub.Shutdown
		// waits for it.
		recordDisconnect(context.WithoutCancel(r.Context()), svc, ident.UserID, conn.ID, logger)
		h.Unregister(conn.ID)
		if isNormalClose(readErr) {
			readErr = nil
		}
		middleware.LogWebSocketDisconnect(logger, remoteAddr, conn.ID, ident.UserID, readErr)
		c.Close(websocket.StatusNormalClosure, "")
	}
}

const (
	disconnectAttempts = 3
	disconnectBackoff  = 100 * time.Millisecond
)

// recordDisconnect marks the member Disconnected, retrying failures the
// coordinator did not already retry. The coordinator keeps the binding when
// it fails, so a later attempt is not mistaken for a stale close.
func recordDisconnect(ctx context.Context, svc LobbyService, userID int64, connID string, logger *logrus.Logger) {
	for attempt := 1; ; attempt++ {
		err := svc.HandleDisconnect(ctx, userID, connID)
		if err == nil {
			return
		}
		if attempt >= disconnectAttempts {
			logger.WithError(err).WithField("user_id", userID).Error("failed to record disconnect; member stays connected")
			return
		}
		logger.WithError(err).WithFields(logrus.Fields{"user_id": userID, "attempt": attempt}).Warn("failed to record disconnect, retrying")
		time.Sleep(disconnectBackoff * time.Duration(attempt))
	}
}

// readPump handles inbound messages until the socket fails or ctx is done.
func readPump(ctx context.Context, c *websocket.Conn, conn *hub.Connection, h *hub.Hub, limiter *rate.Limiter, logger *logrus.Logger) error {
	log := logger.WithFields(logrus.Fields{"conn_id": conn.ID, "user_id": conn.UserID})
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return err
		}
		if !limiter.Allow() {
			_ = conn.WriteError("rate limit exceeded")
			continue
		}
		if typ != websocket.MessageText {
			_ = conn.WriteError("expected a text message")
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = conn.WriteError("Invalid JSON format")
			continue
		}

		switch msg.Type {
		case msgJoinLobbyGroup:
			if msg.LobbyID <= 0 {
				_ = conn.WriteError("lobbyId is required")
				continue
			}
			if err := h.Subscribe(conn.ID, msg.LobbyID); err != nil {
				return err
			}
			log.WithField("lobby_id", msg.LobbyID).Debug("joined lobby group")
		case msgLeaveLobbyGroup:
			h.Unsubscribe(conn.ID, msg.LobbyID)
			log.WithField("lobby_id", msg.LobbyID).Debug("left lobby group")
		case msgPing:
			_ = conn.Write(hub.Message{Type: msgPong})
		default:
			_ = conn.WriteError(fmt.Sprintf("unknown message type %q", msg.Type))
		}
	}
}

// accessToken reads the token from the access_token query parameter, falling
// back to an Authorization header for non-browser clients.
func accessToken(r *http.Request) string {
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return tok
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func isNormalClose(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
