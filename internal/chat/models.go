package chat

import "time"

// Role identifies the party a connection or message belongs to
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleSystem   Role = "system"
)

// SessionStatus is the lifecycle state of a chat session.
// Transitions: pending -> active -> ended, or pending -> ended
// when the customer leaves before an agent is assigned. Ended is terminal.
type SessionStatus string

const (
	StatusPending SessionStatus = "pending"
	StatusActive  SessionStatus = "active"
	StatusEnded   SessionStatus = "ended"
)

// AgentStatus is an agent's presence state
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentBusy    AgentStatus = "busy"
)

// Session represents one customer-agent conversation
type Session struct {
	ID         string            `json:"id"`
	CustomerID string            `json:"customer_id"`
	AgentID    string            `json:"agent_id,omitempty"` // empty while pending
	Status     SessionStatus     `json:"status"`
	Language   string            `json:"language,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
	EndedBy    string            `json:"ended_by,omitempty"`
	Messages   []*Message        `json:"messages,omitempty"`
}

// Message is one chat turn. Immutable once created, append-only within
// its session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sender    Role      `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Agent is a registered support identity. Identity persists in the durable
// store; presence and the assignment set are ephemeral.
type Agent struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Status    AgentStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// AgentCredential is the durable record backing an agent bearer token.
// A zero ExpiresAt means the token never expires.
type AgentCredential struct {
	AgentID   string
	Name      string
	ExpiresAt time.Time
}

// Customer is a visitor identity, generated at connection time and gone
// on disconnect.
type Customer struct {
	ID       string `json:"id"`
	Language string `json:"language,omitempty"`
	ConnID   string `json:"-"`
}
