package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/18kchat/chatrouter/internal/chat"
	"github.com/18kchat/chatrouter/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Int    = logger.Int
	Error  = logger.Error
)

// Conn is a live transport endpoint bound to an identity. The websocket
// client implements it; tests substitute fakes.
type Conn interface {
	ID() string
	Push(msgType string, data map[string]any) bool
	Close()
}

// Identity is the logical party behind an authenticated connection
type Identity struct {
	Role     chat.Role
	ID       string
	Name     string
	Language string
}

// AgentLoad pairs an agent id with its current assigned-session count
type AgentLoad struct {
	AgentID  string
	Assigned int
}

// CredentialStore resolves agent bearer tokens from the durable store
type CredentialStore interface {
	GetAgentCredential(token string) (*chat.AgentCredential, error)
}

// RecoveryStore lists an agent's open sessions for reconnect recovery
type RecoveryStore interface {
	GetSessionsByAgent(agentID string) ([]*chat.Session, error)
}

// Assignments is the slice of the assignment engine the presence manager
// drives. The engine remains the sole writer of assignment sets and of the
// pending queue; the manager only tells it when an agent comes or goes.
type Assignments interface {
	// Restore rebuilds the agent's assignment set after a reconnect.
	Restore(ctx context.Context, agentID string, sessionIDs []string) error
	// ReleaseAgent releases every session held by a disconnected agent and
	// requeues the ones still open.
	ReleaseAgent(ctx context.Context, agentID string) error
}

// SessionEnder terminates a customer's session when the customer goes away
type SessionEnder interface {
	EndForCustomer(ctx context.Context, customerID, endedBy string) error
}

// Broadcaster fans agent presence events out to connected agents
type Broadcaster interface {
	BroadcastPresence(event string, data map[string]any, exceptConnID string)
}

type binding struct {
	identity *Identity
	conn     Conn
}

// Manager owns the connection registry and agent/customer presence. It is
// the single writer of online status and the single source of the agent
// availability predicate consulted by the assignment engine.
type Manager struct {
	store    Store
	creds    CredentialStore
	recovery RecoveryStore
	capacity int
	logger   *logger.Logger

	mu        sync.RWMutex
	conns     map[string]*binding // connection id -> identity binding
	agents    map[string]string   // agent id -> connection id
	customers map[string]string   // customer id -> connection id

	// wired after construction; the engine and session manager depend on
	// the presence manager themselves
	assignments Assignments
	sessions    SessionEnder
	broadcaster Broadcaster
}

// NewManager creates a presence manager. capacity is the maximum number of
// concurrently assigned sessions per agent.
func NewManager(store Store, creds CredentialStore, recovery RecoveryStore, capacity int, log *logger.Logger) *Manager {
	return &Manager{
		store:     store,
		creds:     creds,
		recovery:  recovery,
		capacity:  capacity,
		logger:    log.Named("presence"),
		conns:     make(map[string]*binding),
		agents:    make(map[string]string),
		customers: make(map[string]string),
	}
}

// SetAssignments wires the assignment engine in after construction
func (m *Manager) SetAssignments(a Assignments) {
	m.assignments = a
}

// SetSessionEnder wires the session manager in after construction
func (m *Manager) SetSessionEnder(s SessionEnder) {
	m.sessions = s
}

// SetBroadcaster wires the presence event broadcaster in after construction
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.broadcaster = b
}

// Authenticate validates a connection's credentials and returns its
// identity. Agents present a bearer token checked against the durable
// store; customers are anonymous and get a generated identity.
func (m *Manager) Authenticate(ctx context.Context, role chat.Role, credential string, metadata map[string]string) (*Identity, error) {
	switch role {
	case chat.RoleAgent:
		if credential == "" {
			return nil, &chat.AuthError{Reason: chat.AuthUnauthorized}
		}
		cred, err := m.creds.GetAgentCredential(credential)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", chat.ErrStoreUnavailable, err)
		}
		if cred == nil {
			return nil, &chat.AuthError{Reason: chat.AuthUnauthorized}
		}
		if !cred.ExpiresAt.IsZero() && time.Now().After(cred.ExpiresAt) {
			return nil, &chat.AuthError{Reason: chat.AuthExpired}
		}
		return &Identity{
			Role: chat.RoleAgent,
			ID:   cred.AgentID,
			Name: cred.Name,
		}, nil

	case chat.RoleCustomer:
		return &Identity{
			Role:     chat.RoleCustomer,
			ID:       uuid.NewString(),
			Language: metadata["language"],
		}, nil

	default:
		return nil, &chat.AuthError{Reason: chat.AuthUnauthorized}
	}
}

// RegisterAgent marks the agent online, rebuilds its assignment set from the
// durable store if it had an unclean disconnect, and binds the connection.
// Returns the ids of any restored sessions. Other agents are notified of
// the status change.
func (m *Manager) RegisterAgent(ctx context.Context, identity *Identity, conn Conn) ([]string, error) {
	if err := m.store.SetAgentOnline(ctx, identity.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", chat.ErrStoreUnavailable, err)
	}

	// Restore sessions left open by a previous connection
	var restored []string
	open, err := m.recovery.GetSessionsByAgent(identity.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chat.ErrStoreUnavailable, err)
	}
	for _, session := range open {
		restored = append(restored, session.ID)
	}
	if len(restored) > 0 {
		if err := m.assignments.Restore(ctx, identity.ID, restored); err != nil {
			return nil, err
		}
		m.logger.Info("Restored agent assignments after reconnect",
			String("agent_id", identity.ID),
			Int("sessions", len(restored)))
	}

	m.mu.Lock()
	// A second connection for the same agent replaces the first
	if oldConnID, ok := m.agents[identity.ID]; ok && oldConnID != conn.ID() {
		if old, ok := m.conns[oldConnID]; ok {
			delete(m.conns, oldConnID)
			old.conn.Close()
		}
	}
	m.conns[conn.ID()] = &binding{identity: identity, conn: conn}
	m.agents[identity.ID] = conn.ID()
	m.mu.Unlock()

	m.logger.Info("Agent registered",
		String("agent_id", identity.ID),
		String("conn_id", conn.ID()))

	if m.broadcaster != nil {
		m.broadcaster.BroadcastPresence("agent_status_changed", map[string]any{
			"agent_id": identity.ID,
			"status":   string(chat.AgentOnline),
		}, conn.ID())
	}

	return restored, nil
}

// RegisterCustomer generates a fresh customer identity and binds the
// connection. Customer identity does not persist across process restarts.
func (m *Manager) RegisterCustomer(identity *Identity, conn Conn) {
	m.mu.Lock()
	m.conns[conn.ID()] = &binding{identity: identity, conn: conn}
	m.customers[identity.ID] = conn.ID()
	m.mu.Unlock()

	m.logger.Info("Customer registered",
		String("customer_id", identity.ID),
		String("conn_id", conn.ID()))
}

// Deregister removes the identity bound to a connection. For an agent this
// marks it offline and releases its sessions for requeueing; for a customer
// it ends the customer's active session. Deregistering an unknown
// connection is a no-op.
func (m *Manager) Deregister(ctx context.Context, connID string) error {
	m.mu.Lock()
	bound, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.conns, connID)

	identity := bound.identity
	switch identity.Role {
	case chat.RoleAgent:
		// Only unbind if this connection is still the agent's current one
		if m.agents[identity.ID] == connID {
			delete(m.agents, identity.ID)
		} else {
			// Superseded by a newer connection; nothing else to do
			m.mu.Unlock()
			return nil
		}
	case chat.RoleCustomer:
		delete(m.customers, identity.ID)
	}
	m.mu.Unlock()

	switch identity.Role {
	case chat.RoleAgent:
		if err := m.store.SetAgentOffline(ctx, identity.ID); err != nil {
			m.logger.Error("Failed to mark agent offline", Error(err),
				String("agent_id", identity.ID))
		}
		if err := m.assignments.ReleaseAgent(ctx, identity.ID); err != nil {
			m.logger.Error("Failed to release agent sessions", Error(err),
				String("agent_id", identity.ID))
		}
		if m.broadcaster != nil {
			m.broadcaster.BroadcastPresence("agent_status_changed", map[string]any{
				"agent_id": identity.ID,
				"status":   string(chat.AgentOffline),
			}, connID)
		}
		m.logger.Info("Agent deregistered", String("agent_id", identity.ID))

	case chat.RoleCustomer:
		if err := m.sessions.EndForCustomer(ctx, identity.ID, string(chat.RoleCustomer)); err != nil {
			m.logger.Error("Failed to end session for disconnected customer", Error(err),
				String("customer_id", identity.ID))
		}
		m.logger.Info("Customer deregistered", String("customer_id", identity.ID))
	}

	return nil
}

// SetAgentStatus applies an agent-initiated status change (online or busy).
// It never touches already-assigned sessions; a busy agent just stops
// receiving new ones.
func (m *Manager) SetAgentStatus(ctx context.Context, agentID string, status chat.AgentStatus) error {
	if status != chat.AgentOnline && status != chat.AgentBusy {
		return fmt.Errorf("invalid agent status: %s", status)
	}
	if err := m.store.SetAgentStatus(ctx, agentID, status); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrStoreUnavailable, err)
	}

	m.mu.RLock()
	connID := m.agents[agentID]
	m.mu.RUnlock()

	if m.broadcaster != nil {
		m.broadcaster.BroadcastPresence("agent_status_changed", map[string]any{
			"agent_id": agentID,
			"status":   string(status),
		}, connID)
	}
	return nil
}

// Available reports whether the agent can take a new assignment: online and
// below capacity. This predicate is the single source of truth for the
// assignment engine.
func (m *Manager) Available(ctx context.Context, agentID string) (bool, error) {
	status, err := m.store.AgentStatus(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", chat.ErrStoreUnavailable, err)
	}
	count, err := m.store.AssignedCount(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", chat.ErrStoreUnavailable, err)
	}
	return m.available(status, count), nil
}

// available is the capacity rule. Keep all callers on this one predicate.
func (m *Manager) available(status chat.AgentStatus, assigned int) bool {
	return status == chat.AgentOnline && assigned < m.capacity
}

// AvailableAgents returns every agent currently able to take a new
// assignment, with its load. Order is unspecified; the engine sorts.
func (m *Manager) AvailableAgents(ctx context.Context) ([]AgentLoad, error) {
	online, err := m.store.OnlineAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chat.ErrStoreUnavailable, err)
	}

	var candidates []AgentLoad
	for _, agentID := range online {
		status, err := m.store.AgentStatus(ctx, agentID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", chat.ErrStoreUnavailable, err)
		}
		count, err := m.store.AssignedCount(ctx, agentID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", chat.ErrStoreUnavailable, err)
		}
		if m.available(status, count) {
			candidates = append(candidates, AgentLoad{AgentID: agentID, Assigned: count})
		}
	}
	return candidates, nil
}

// IdentityFor returns the identity bound to a connection
func (m *Manager) IdentityFor(connID string) (*Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if bound, ok := m.conns[connID]; ok {
		return bound.identity, true
	}
	return nil, false
}

// AgentConn returns the live connection of an online agent
func (m *Manager) AgentConn(agentID string) (Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if connID, ok := m.agents[agentID]; ok {
		if bound, ok := m.conns[connID]; ok {
			return bound.conn, true
		}
	}
	return nil, false
}

// CustomerConn returns the live connection of a connected customer
func (m *Manager) CustomerConn(customerID string) (Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if connID, ok := m.customers[customerID]; ok {
		if bound, ok := m.conns[connID]; ok {
			return bound.conn, true
		}
	}
	return nil, false
}

// AgentConns returns the live connections of all online agents
func (m *Manager) AgentConns() []Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]Conn, 0, len(m.agents))
	for _, connID := range m.agents {
		if bound, ok := m.conns[connID]; ok {
			conns = append(conns, bound.conn)
		}
	}
	return conns
}
