package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/18kchat/chatrouter/internal/config"
	"github.com/18kchat/chatrouter/internal/presence"
	"github.com/18kchat/chatrouter/internal/storage/sqlite"
	"github.com/18kchat/chatrouter/pkg/logger"
)

// Queue exposes the pending queue for observation
type Queue interface {
	QueueSnapshot() []string
}

// Handler contains the API handlers
type Handler struct {
	chatStorage  *sqlite.ChatStorage
	agentStorage *sqlite.AgentStorage
	presence     *presence.Manager
	queue        Queue
	config       *config.Config
	logger       *logger.Logger
	started      time.Time
}

// NewHandler creates a new API handler
func NewHandler(chatStorage *sqlite.ChatStorage, agentStorage *sqlite.AgentStorage, pres *presence.Manager, queue Queue, cfg *config.Config, log *logger.Logger) *Handler {
	return &Handler{
		chatStorage:  chatStorage,
		agentStorage: agentStorage,
		presence:     pres,
		queue:        queue,
		config:       cfg,
		logger:       log.Named("api-handler"),
		started:      time.Now().UTC(),
	}
}

// GetSessions returns stored sessions, newest first
func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	sessions, err := h.chatStorage.GetSessions(limit, offset)
	if err != nil {
		h.logger.Error("Failed to get sessions", logger.Error(err))
		http.Error(w, "Failed to get sessions", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"count":     len(sessions),
		"sessions":  sessions,
	})
}

// GetSessionByID returns a single session
func (h *Handler) GetSessionByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	session, err := h.chatStorage.GetSession(id)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	WriteJSON(w, http.StatusOK, session)
}

// GetSessionMessages returns a session's message history, oldest first
func (h *Handler) GetSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	if _, err := h.chatStorage.GetSession(id); err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	messages, err := h.chatStorage.GetMessages(id)
	if err != nil {
		h.logger.Error("Failed to get messages",
			logger.String("session_id", id),
			logger.Error(err))
		http.Error(w, "Failed to get messages", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"count":      len(messages),
		"messages":   messages,
	})
}

// GetAgents returns all known agents with their live presence state
func (h *Handler) GetAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agentStorage.GetAgents()
	if err != nil {
		h.logger.Error("Failed to get agents", logger.Error(err))
		http.Error(w, "Failed to get agents", http.StatusInternalServerError)
		return
	}

	loads, err := h.presence.AvailableAgents(r.Context())
	if err != nil {
		h.logger.Error("Failed to get agent availability", logger.Error(err))
		loads = nil
	}
	available := make(map[string]int, len(loads))
	for _, load := range loads {
		available[load.AgentID] = load.Assigned
	}

	type agentView struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Available bool   `json:"available"`
		Assigned  int    `json:"assigned,omitempty"`
	}

	views := make([]agentView, 0, len(agents))
	for _, agent := range agents {
		assigned, ok := available[agent.ID]
		views = append(views, agentView{
			ID:        agent.ID,
			Name:      agent.Name,
			Available: ok,
			Assigned:  assigned,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"count":     len(views),
		"agents":    views,
	})
}

// GetAgentMetrics returns aggregate chat metrics for one agent
func (h *Handler) GetAgentMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "Missing agent ID", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	from := queryTime(r, "from", now.AddDate(0, 0, -7))
	to := queryTime(r, "to", now)

	metrics, err := h.agentStorage.GetAgentMetrics(id, from, to)
	if err != nil {
		h.logger.Error("Failed to get agent metrics",
			logger.String("agent_id", id),
			logger.Error(err))
		http.Error(w, "Failed to get agent metrics", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, metrics)
}

// GetQueue returns the pending session queue, head first
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	pending := h.queue.QueueSnapshot()

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"count":     len(pending),
		"pending":   pending,
	})
}

// GetHealth returns the health status of the API
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := h.chatStorage.GetDB().PingContext(r.Context()); err != nil {
		status = "degraded"
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func queryTime(r *http.Request, key string, fallback time.Time) time.Time {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fallback
	}
	return value
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
