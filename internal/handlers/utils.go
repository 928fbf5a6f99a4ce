package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jason-s-yu/wordle-multi/internal/lobby"
	"github.com/sirupsen/logrus"
)

// errorBody is the JSON shape of every failed API response.
type errorBody struct {
	Code    lobby.ErrorCode `json:"code"`
	Message string          `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a coordinator error code onto an HTTP status.
func statusFor(code lobby.ErrorCode) int {
	switch code {
	case lobby.CodeUnauthenticated:
		return http.StatusUnauthorized
	case lobby.CodeNotFound, lobby.CodeNotMember:
		return http.StatusNotFound
	case lobby.CodeInvalidConfig:
		return http.StatusBadRequest
	case lobby.CodeAlreadyInLobby, lobby.CodeAlreadyMember, lobby.CodeFull, lobby.CodeNotJoinable:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError renders err as {"code","message"}. Internal details are logged, not returned.
func writeError(w http.ResponseWriter, logger *logrus.Logger, err error) {
	code := lobby.CodeOf(err)
	body := errorBody{Code: code, Message: "internal server error"}

	var le *lobby.Error
	if code == lobby.CodeInternal {
		logger.WithError(err).Error("lobby operation failed")
	} else if errors.As(err, &le) {
		body.Message = le.Message
	}
	writeJSON(w, statusFor(code), body)
}

func writeErrorCode(w http.ResponseWriter, code lobby.ErrorCode, msg string) {
	writeJSON(w, statusFor(code), errorBody{Code: code, Message: msg})
}

// lobbyIDParam reads the {lobbyId} route parameter.
func lobbyIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "lobbyId"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
