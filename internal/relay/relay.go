package relay

import (
	"context"
	"time"

	"github.com/18kchat/chatrouter/internal/chat"
	"github.com/18kchat/chatrouter/internal/presence"
	"github.com/18kchat/chatrouter/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Error  = logger.Error
)

// Sessions is the slice of the session manager the relay needs
type Sessions interface {
	Get(sessionID string) (*chat.Session, error)
	Messages(sessionID string) ([]*chat.Message, error)
	AppendMessage(ctx context.Context, sessionID string, sender chat.Role, content string) (*chat.Message, error)
}

// Presence resolves identities and connections for delivery
type Presence interface {
	AgentConn(agentID string) (presence.Conn, bool)
	CustomerConn(customerID string) (presence.Conn, bool)
	AgentConns() []presence.Conn
}

// Relay moves chat frames between the two participants of a session and
// fans presence events out to agents. Every chat message is written to the
// durable log before any delivery is attempted, so a crash between the two
// steps loses a delivery, never a record.
type Relay struct {
	sessions Sessions
	presence Presence
	logger   *logger.Logger
}

// NewRelay creates a message relay
func NewRelay(sessions Sessions, pres Presence, log *logger.Logger) *Relay {
	return &Relay{
		sessions: sessions,
		presence: pres,
		logger:   log.Named("relay"),
	}
}

// Send records a message on the session and pushes it to the counterpart.
// The sender must be a participant of the session. An absent counterpart is
// not an error: the message is already durable and will be replayed when
// they reconnect.
func (r *Relay) Send(ctx context.Context, senderID string, senderRole chat.Role, sessionID, content string) (*chat.Message, error) {
	session, err := r.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !isParticipant(session, senderID, senderRole) {
		return nil, chat.ErrNotParticipant
	}

	msg, err := r.sessions.AppendMessage(ctx, sessionID, senderRole, content)
	if err != nil {
		return nil, err
	}

	conn, ok := r.counterpart(session, senderRole)
	if !ok {
		r.logger.Debug("Counterpart not connected, message stored only",
			String("session_id", sessionID),
			String("sender", string(senderRole)))
		return msg, nil
	}

	if !conn.Push("chat_message", messageFrame(msg)) {
		r.logger.Warn("Dropped message push to slow connection",
			String("session_id", sessionID),
			String("message_id", msg.ID))
	}
	return msg, nil
}

// SendTyping forwards a typing indicator to the counterpart. Best-effort
// and never persisted.
func (r *Relay) SendTyping(senderID string, senderRole chat.Role, sessionID string, typing bool) error {
	session, err := r.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if !isParticipant(session, senderID, senderRole) {
		return chat.ErrNotParticipant
	}

	conn, ok := r.counterpart(session, senderRole)
	if !ok {
		return nil
	}
	conn.Push("typing_status", map[string]any{
		"session_id": sessionID,
		"sender":     string(senderRole),
		"typing":     typing,
	})
	return nil
}

// ReplayTo pushes a session's stored history to one connection, oldest
// first. Used on agent reconnect and customer resume.
func (r *Relay) ReplayTo(conn presence.Conn, sessionID string) error {
	msgs, err := r.sessions.Messages(sessionID)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		frame := messageFrame(msg)
		frame["replay"] = true
		if !conn.Push("chat_message", frame) {
			r.logger.Warn("Replay truncated by slow connection",
				String("session_id", sessionID),
				String("conn_id", conn.ID()))
			return nil
		}
	}
	return nil
}

// BroadcastPresence pushes an agent presence event to every connected
// agent except the named connection.
func (r *Relay) BroadcastPresence(event string, data map[string]any, exceptConnID string) {
	for _, conn := range r.presence.AgentConns() {
		if conn.ID() == exceptConnID {
			continue
		}
		conn.Push(event, data)
	}
}

func (r *Relay) counterpart(session *chat.Session, senderRole chat.Role) (presence.Conn, bool) {
	switch senderRole {
	case chat.RoleCustomer:
		if session.AgentID == "" {
			return nil, false
		}
		return r.presence.AgentConn(session.AgentID)
	default:
		return r.presence.CustomerConn(session.CustomerID)
	}
}

func isParticipant(session *chat.Session, senderID string, senderRole chat.Role) bool {
	switch senderRole {
	case chat.RoleCustomer:
		return session.CustomerID == senderID
	case chat.RoleAgent:
		return session.AgentID == senderID
	case chat.RoleSystem:
		return true
	}
	return false
}

func messageFrame(msg *chat.Message) map[string]any {
	return map[string]any{
		"message_id": msg.ID,
		"session_id": msg.SessionID,
		"sender":     string(msg.Sender),
		"content":    msg.Content,
		"timestamp":  msg.Timestamp.Format(time.RFC3339Nano),
	}
}
