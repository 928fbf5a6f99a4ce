package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jason-s-yu/wordle-multi/internal/hub"
	"github.com/jason-s-yu/wordle-multi/internal/middleware"
	"github.com/sirupsen/logrus"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the router hands to its handlers.
type Deps struct {
	Service LobbyService
	Hub     *hub.Hub
	Auth    middleware.Authenticator
	Health  Pinger
	Metrics http.Handler // optional
	Logger  *logrus.Logger
	WS      WSConfig
}

// NewRouter builds the full HTTP surface: the lobby API, the multiplayer
// socket, and the health and metrics endpoints.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.LogMiddleware(d.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(d.WS.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", HealthHandler(d.Health, d.Logger))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Get("/hubs/multiplayer", MultiplayerWSHandler(d.Service, d.Hub, d.Auth, d.Logger, d.WS))

	r.Route("/api/multiplayer/lobbies", func(r chi.Router) {
		r.Use(middleware.RequireAuth(d.Auth))
		r.Get("/", ListLobbiesHandler(d.Service, d.Logger))
		r.Post("/", CreateLobbyHandler(d.Service, d.Logger))
		r.Get("/my-lobby", MyLobbyHandler(d.Service, d.Logger))
		r.Get("/{lobbyId}", GetLobbyHandler(d.Service, d.Logger))
		r.Post("/{lobbyId}/join", JoinLobbyHandler(d.Service, d.Logger))
		r.Post("/{lobbyId}/leave", LeaveLobbyHandler(d.Service, d.Logger))
	})
	return r
}

const healthTimeout = 2 * time.Second

// HealthHandler answers 200 when the store responds and 503 otherwise.
func HealthHandler(p Pinger, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			logger.WithError(err).Warn("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// corsOrigins turns websocket host patterns ("localhost:*") into the
// scheme-qualified origins the CORS handler matches against.
func corsOrigins(patterns []string) []string {
	out := make([]string, 0, 2*len(patterns))
	for _, p := range patterns {
		if p == "*" {
			return []string{"*"}
		}
		if strings.Contains(p, "://") {
			out = append(out, p)
			continue
		}
		out = append(out, "http://"+p, "https://"+p)
	}
	return out
}
