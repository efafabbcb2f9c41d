package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/18kchat/chatrouter/internal/chat"
	"github.com/18kchat/chatrouter/internal/presence"
	"github.com/18kchat/chatrouter/internal/relay"
	"github.com/18kchat/chatrouter/internal/session"
	"github.com/18kchat/chatrouter/internal/websocket"
	"github.com/18kchat/chatrouter/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Error  = logger.Error
)

// Inbound message types
const (
	MessageTypeAuth        = "auth"
	MessageTypeStartChat   = "start_chat"
	MessageTypeChatMessage = "chat_message"
	MessageTypeTyping      = "typing"
	MessageTypeAgentStatus = "agent_status"
	MessageTypeEndChat     = "end_chat"
)

// Outbound message types
const (
	MessageTypeAuthSuccess  = "auth_success"
	MessageTypeAuthError    = "auth_error"
	MessageTypeChatCreated  = "chat_created"
	MessageTypeQueued       = "queued"
	MessageTypeChatAssigned = "chat_assigned"
	MessageTypeChatEnded    = "chat_ended"
	MessageTypeError        = "error"
)

// Engine is the slice of the assignment engine the router drives
type Engine interface {
	Enqueue(ctx context.Context, sessionID string) error
	TryAssign(ctx context.Context) error
}

// Handler dispatches WebSocket events to the presence, session, assignment
// and relay components. It is the only place that knows the wire event
// names; everything below it works in domain terms.
type Handler struct {
	presence    *presence.Manager
	sessions    *session.Manager
	engine      Engine
	relay       *relay.Relay
	logger      *logger.Logger
	authTimeout time.Duration
	allowResume bool

	mu         sync.Mutex
	authTimers map[string]*time.Timer // conn id -> pending auth deadline
}

// NewHandler creates a WebSocket event handler
func NewHandler(pres *presence.Manager, sessions *session.Manager, engine Engine, rel *relay.Relay, authTimeout time.Duration, allowResume bool, log *logger.Logger) *Handler {
	return &Handler{
		presence:    pres,
		sessions:    sessions,
		engine:      engine,
		relay:       rel,
		logger:      log.Named("router"),
		authTimeout: authTimeout,
		allowResume: allowResume,
		authTimers:  make(map[string]*time.Timer),
	}
}

// HandleConnect starts the authentication clock for a fresh connection.
// A connection that has not authenticated when it fires is told why and
// closed.
func (h *Handler) HandleConnect(client *websocket.Client) {
	connID := client.ID()
	// The callback takes h.mu, so holding it across AfterFunc keeps the
	// timer from firing before its entry exists
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authTimers[connID] = time.AfterFunc(h.authTimeout, func() {
		// cancelAuthTimer removes the entry when it wins the race; an
		// absent entry means the connection authenticated in time
		h.mu.Lock()
		_, pending := h.authTimers[connID]
		delete(h.authTimers, connID)
		h.mu.Unlock()
		if !pending {
			return
		}

		client.Push(MessageTypeAuthError, map[string]any{
			"reason": string(chat.AuthTimeout),
		})
		client.Close()
		h.logger.Info("Closed unauthenticated connection",
			String("conn_id", connID))
	})
}

// HandleDisconnect releases everything the connection held
func (h *Handler) HandleDisconnect(client *websocket.Client) {
	h.cancelAuthTimer(client.ID())

	if err := h.presence.Deregister(context.Background(), client.ID()); err != nil {
		h.logger.Error("Failed to deregister connection", Error(err),
			String("conn_id", client.ID()))
	}
}

// HandleMessage dispatches one inbound frame
func (h *Handler) HandleMessage(client *websocket.Client, messageType string, data map[string]any) error {
	ctx := context.Background()

	if messageType == MessageTypeAuth {
		if _, ok := h.presence.IdentityFor(client.ID()); ok {
			client.Push(MessageTypeError, map[string]any{
				"code":    "already_authenticated",
				"message": "connection is already authenticated",
			})
			return nil
		}
		return h.handleAuth(ctx, client, data)
	}

	identity, ok := h.presence.IdentityFor(client.ID())
	if !ok {
		client.Push(MessageTypeError, map[string]any{
			"code":    "not_authenticated",
			"message": "authenticate before sending messages",
		})
		return nil
	}

	switch messageType {
	case MessageTypeStartChat:
		return h.handleStartChat(ctx, client, identity)
	case MessageTypeChatMessage:
		return h.handleChatMessage(ctx, client, identity, data)
	case MessageTypeTyping:
		return h.handleTyping(client, identity, data)
	case MessageTypeAgentStatus:
		return h.handleAgentStatus(ctx, client, identity, data)
	case MessageTypeEndChat:
		return h.handleEndChat(ctx, client, identity, data)
	default:
		client.Push(MessageTypeError, map[string]any{
			"code":    "unknown_type",
			"message": "unknown message type: " + messageType,
		})
		return nil
	}
}

func (h *Handler) handleAuth(ctx context.Context, client *websocket.Client, data map[string]any) error {
	role := chat.Role(stringField(data, "role"))
	credential := stringField(data, "token")
	metadata := mapField(data, "metadata")

	identity, err := h.presence.Authenticate(ctx, role, credential, metadata)
	if err != nil {
		var authErr *chat.AuthError
		if errors.As(err, &authErr) {
			client.Push(MessageTypeAuthError, map[string]any{
				"reason": string(authErr.Reason),
			})
			client.Close()
			return nil
		}
		client.Push(MessageTypeAuthError, map[string]any{
			"reason": "internal",
		})
		client.Close()
		return err
	}

	// The deadline may have fired while credentials were being checked; its
	// callback is closing the connection, so do not register
	if !h.cancelAuthTimer(client.ID()) {
		return nil
	}

	var restored []string
	switch identity.Role {
	case chat.RoleAgent:
		restored, err = h.presence.RegisterAgent(ctx, identity, client)
		if err != nil {
			client.Push(MessageTypeAuthError, map[string]any{
				"reason": "internal",
			})
			client.Close()
			return err
		}
	case chat.RoleCustomer:
		h.presence.RegisterCustomer(identity, client)
	}

	success := map[string]any{
		"role": string(identity.Role),
		"id":   identity.ID,
	}
	if identity.Name != "" {
		success["name"] = identity.Name
	}

	// A returning customer may reclaim a still-open session
	if identity.Role == chat.RoleCustomer && h.allowResume {
		if sessionID := stringField(data, "session_id"); sessionID != "" {
			if resumed, err := h.sessions.Adopt(sessionID, identity.ID); err == nil {
				success["resumed_session"] = sessionSummary(resumed)
				restored = append(restored, resumed.ID)
			} else {
				h.logger.Debug("Session resume refused", Error(err),
					String("session_id", sessionID))
			}
		}
	}

	client.Push(MessageTypeAuthSuccess, success)

	for _, sessionID := range restored {
		if err := h.relay.ReplayTo(client, sessionID); err != nil {
			h.logger.Error("Failed to replay session history", Error(err),
				String("session_id", sessionID))
		}
	}

	// A freshly online agent may be able to drain the queue
	if identity.Role == chat.RoleAgent {
		if err := h.engine.TryAssign(ctx); err != nil {
			h.logger.Error("Assignment sweep failed after agent login", Error(err))
		}
	}

	return nil
}

func (h *Handler) handleStartChat(ctx context.Context, client *websocket.Client, identity *presence.Identity) error {
	if identity.Role != chat.RoleCustomer {
		client.Push(MessageTypeError, map[string]any{
			"code":    "customers_only",
			"message": "only customers can start chats",
		})
		return nil
	}

	// One open session per customer
	if sessionID, ok := h.sessions.ActiveSessionForCustomer(identity.ID); ok {
		if existing, err := h.sessions.Get(sessionID); err == nil {
			client.Push(MessageTypeChatCreated, sessionSummary(existing))
			return nil
		}
	}

	created, err := h.sessions.Create(ctx, identity.ID, identity.Language, nil)
	if err != nil {
		client.Push(MessageTypeError, map[string]any{
			"code":    "create_failed",
			"message": "could not create session",
		})
		return err
	}

	client.Push(MessageTypeChatCreated, sessionSummary(created))

	if err := h.engine.Enqueue(ctx, created.ID); err != nil {
		h.logger.Error("Failed to enqueue session", Error(err),
			String("session_id", created.ID))
	}
	return nil
}

func (h *Handler) handleChatMessage(ctx context.Context, client *websocket.Client, identity *presence.Identity, data map[string]any) error {
	sessionID := stringField(data, "session_id")
	content := stringField(data, "content")
	if sessionID == "" || content == "" {
		client.Push(MessageTypeError, map[string]any{
			"code":    "bad_request",
			"message": "session_id and content are required",
		})
		return nil
	}

	_, err := h.relay.Send(ctx, identity.ID, identity.Role, sessionID, content)
	if err != nil {
		client.Push(MessageTypeError, map[string]any{
			"code":       errorCode(err),
			"message":    err.Error(),
			"session_id": sessionID,
		})
		if errors.Is(err, chat.ErrStoreUnavailable) {
			return err
		}
	}
	return nil
}

func (h *Handler) handleTyping(client *websocket.Client, identity *presence.Identity, data map[string]any) error {
	sessionID := stringField(data, "session_id")
	if sessionID == "" {
		return nil
	}
	typing, _ := data["typing"].(bool)

	// Best-effort; a stale indicator is not worth an error frame
	if err := h.relay.SendTyping(identity.ID, identity.Role, sessionID, typing); err != nil {
		h.logger.Debug("Typing indicator dropped", Error(err),
			String("session_id", sessionID))
	}
	return nil
}

func (h *Handler) handleAgentStatus(ctx context.Context, client *websocket.Client, identity *presence.Identity, data map[string]any) error {
	if identity.Role != chat.RoleAgent {
		client.Push(MessageTypeError, map[string]any{
			"code":    "agents_only",
			"message": "only agents can set availability",
		})
		return nil
	}

	status := chat.AgentStatus(stringField(data, "status"))
	if err := h.presence.SetAgentStatus(ctx, identity.ID, status); err != nil {
		client.Push(MessageTypeError, map[string]any{
			"code":    "bad_status",
			"message": err.Error(),
		})
		return nil
	}

	// Coming back from busy can free capacity
	if status == chat.AgentOnline {
		if err := h.engine.TryAssign(ctx); err != nil {
			h.logger.Error("Assignment sweep failed after status change", Error(err))
		}
	}
	return nil
}

func (h *Handler) handleEndChat(ctx context.Context, client *websocket.Client, identity *presence.Identity, data map[string]any) error {
	sessionID := stringField(data, "session_id")
	if sessionID == "" {
		client.Push(MessageTypeError, map[string]any{
			"code":    "bad_request",
			"message": "session_id is required",
		})
		return nil
	}

	ended, err := h.sessions.Get(sessionID)
	if err != nil {
		client.Push(MessageTypeError, map[string]any{
			"code":       errorCode(err),
			"message":    err.Error(),
			"session_id": sessionID,
		})
		return nil
	}

	participant := (identity.Role == chat.RoleCustomer && ended.CustomerID == identity.ID) ||
		(identity.Role == chat.RoleAgent && ended.AgentID == identity.ID)
	if !participant {
		client.Push(MessageTypeError, map[string]any{
			"code":       errorCode(chat.ErrNotParticipant),
			"message":    chat.ErrNotParticipant.Error(),
			"session_id": sessionID,
		})
		return nil
	}

	// ChatEnded pushes chat_ended to both participants
	if err := h.sessions.End(ctx, sessionID, string(identity.Role)); err != nil {
		client.Push(MessageTypeError, map[string]any{
			"code":       errorCode(err),
			"message":    err.Error(),
			"session_id": sessionID,
		})
	}
	return nil
}

// ChatAssigned tells both parties the session has an agent
func (h *Handler) ChatAssigned(session *chat.Session) {
	frame := sessionSummary(session)
	if conn, ok := h.presence.CustomerConn(session.CustomerID); ok {
		conn.Push(MessageTypeChatAssigned, frame)
	}
	if conn, ok := h.presence.AgentConn(session.AgentID); ok {
		conn.Push(MessageTypeChatAssigned, frame)
	}
}

// ChatEnded tells the still-connected participants the session is over.
// Fired by the session manager on every termination, including customer
// disconnect, so the agent is never left talking into an ended chat.
func (h *Handler) ChatEnded(session *chat.Session, endedBy string) {
	frame := map[string]any{
		"session_id": session.ID,
		"ended_by":   endedBy,
	}
	if conn, ok := h.presence.CustomerConn(session.CustomerID); ok {
		conn.Push(MessageTypeChatEnded, frame)
	}
	if session.AgentID != "" {
		if conn, ok := h.presence.AgentConn(session.AgentID); ok {
			conn.Push(MessageTypeChatEnded, frame)
		}
	}
}

// ChatQueued tells the waiting customer where they stand
func (h *Handler) ChatQueued(sessionID string, position int) {
	session, err := h.sessions.Get(sessionID)
	if err != nil {
		return
	}
	if conn, ok := h.presence.CustomerConn(session.CustomerID); ok {
		conn.Push(MessageTypeQueued, map[string]any{
			"session_id": sessionID,
			"position":   position,
		})
	}
}

// cancelAuthTimer stops the connection's auth deadline. Reports false when
// no deadline was pending or it already fired; a fired deadline owns closing
// the connection.
func (h *Handler) cancelAuthTimer(connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	timer, ok := h.authTimers[connID]
	if !ok {
		return false
	}
	if !timer.Stop() {
		return false
	}
	delete(h.authTimers, connID)
	return true
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, chat.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, chat.ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, chat.ErrStoreUnavailable):
		return "store_unavailable"
	}
	return "internal"
}

func sessionSummary(session *chat.Session) map[string]any {
	summary := map[string]any{
		"session_id":  session.ID,
		"customer_id": session.CustomerID,
		"status":      string(session.Status),
		"language":    session.Language,
	}
	if session.AgentID != "" {
		summary["agent_id"] = session.AgentID
	}
	return summary
}

func stringField(data map[string]any, key string) string {
	value, _ := data[key].(string)
	return value
}

func mapField(data map[string]any, key string) map[string]string {
	raw, ok := data[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
