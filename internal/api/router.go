package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/18kchat/chatrouter/internal/config"
	"github.com/18kchat/chatrouter/internal/presence"
	"github.com/18kchat/chatrouter/internal/storage/sqlite"
	"github.com/18kchat/chatrouter/internal/websocket"
	"github.com/18kchat/chatrouter/pkg/logger"
)

// Router wires the HTTP surface together
type Router struct {
	handler  *Handler
	wsServer *websocket.Server
	config   *config.Config
	logger   *logger.Logger
}

// NewRouter creates the API router
func NewRouter(chatStorage *sqlite.ChatStorage, agentStorage *sqlite.AgentStorage, pres *presence.Manager, queue Queue, cfg *config.Config, log *logger.Logger, wsServer *websocket.Server) *Router {
	return &Router{
		handler:  NewHandler(chatStorage, agentStorage, pres, queue, cfg, log),
		wsServer: wsServer,
		config:   cfg,
		logger:   log.Named("api-router"),
	}
}

// Routes returns the HTTP handler for the API
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(corsMiddleware(rt.config.Server.CORSAllowedOrigins))

	r.Get("/ws", rt.wsServer.HandleConnection)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", rt.handler.GetHealth)
		r.Get("/queue", rt.handler.GetQueue)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", rt.handler.GetSessions)
			r.Get("/{id}", rt.handler.GetSessionByID)
			r.Get("/{id}/messages", rt.handler.GetSessionMessages)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", rt.handler.GetAgents)
			r.Get("/{id}/metrics", rt.handler.GetAgentMetrics)
		})
	})

	return r
}

func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
