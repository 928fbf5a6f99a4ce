package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jason-s-yu/wordle-multi/internal/lobby"
	"github.com/jason-s-yu/wordle-multi/internal/middleware"
	"github.com/jason-s-yu/wordle-multi/internal/models"
	"github.com/sirupsen/logrus"
)

// LobbyService is the coordinator surface used by the REST and websocket handlers.
type LobbyService interface {
	CreateLobby(ctx context.Context, actor int64, cfg models.LobbyConfig) (*models.LobbyDetail, error)
	JoinLobby(ctx context.Context, actor, lobbyID int64) (*models.LobbyDetail, error)
	LeaveLobby(ctx context.Context, actor, lobbyID int64) (*models.LobbyDetail, error)
	GetLobby(ctx context.Context, lobbyID int64) (*models.LobbyDetail, error)
	GetAvailableLobbies(ctx context.Context) ([]models.LobbySummary, error)
	GetUserCurrentLobby(ctx context.Context, userID int64) (*models.LobbyDetail, error)
	HandleReconnect(ctx context.Context, userID int64, connID string) error
	HandleDisconnect(ctx context.Context, userID int64, connID string) error
}

var _ LobbyService = (*lobby.Coordinator)(nil)

// ListLobbiesHandler returns every Waiting lobby.
func ListLobbiesHandler(svc LobbyService, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lobbies, err := svc.GetAvailableLobbies(r.Context())
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if lobbies == nil {
			lobbies = []models.LobbySummary{}
		}
		writeJSON(w, http.StatusOK, lobbies)
	}
}

// MyLobbyHandler returns the caller's current lobby, or 204 when they are in none.
func MyLobbyHandler(svc LobbyService, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		detail, err := svc.GetUserCurrentLobby(r.Context(), id)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if detail == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

func GetLobbyHandler(svc LobbyService, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lobbyID, ok := lobbyIDParam(r)
		if !ok {
			writeErrorCode(w, lobby.CodeNotFound, "Lobby not found")
			return
		}
		detail, err := svc.GetLobby(r.Context(), lobbyID)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

// CreateLobbyHandler decodes a LobbyConfig; omitted numeric fields take the
// defaults, explicit values (zero included) are validated as sent.
func CreateLobbyHandler(svc LobbyService, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		var cfg models.LobbyConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			writeErrorCode(w, lobby.CodeInvalidConfig, "bad lobby request payload")
			return
		}
		detail, err := svc.CreateLobby(r.Context(), id, cfg)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, detail)
	}
}

func JoinLobbyHandler(svc LobbyService, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		lobbyID, ok := lobbyIDParam(r)
		if !ok {
			writeErrorCode(w, lobby.CodeNotFound, "Lobby not found")
			return
		}
		detail, err := svc.JoinLobby(r.Context(), id, lobbyID)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

// LeaveLobbyHandler returns the remaining lobby, or a message when the caller
// was the last member and the lobby is gone.
func LeaveLobbyHandler(svc LobbyService, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identity(w, r)
		if !ok {
			return
		}
		lobbyID, ok := lobbyIDParam(r)
		if !ok {
			writeErrorCode(w, lobby.CodeNotFound, "Lobby not found")
			return
		}
		detail, err := svc.LeaveLobby(r.Context(), id, lobbyID)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if detail == nil {
			writeJSON(w, http.StatusOK, map[string]string{"message": "Lobby deleted"})
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

func identity(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok || id.UserID <= 0 {
		writeErrorCode(w, lobby.CodeUnauthenticated, "missing identity")
		return 0, false
	}
	return id.UserID, true
}
