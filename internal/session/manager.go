package session

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
	Error  = logger.Error
)

// Store is the durable message store the manager writes through to. Every
// session state transition and every message hits the store before the
// operation is acknowledged.
type Store interface {
	PutSession(session *chat.Session) error
	AppendMessage(message *chat.Message) error
	UpdateAssignment(sessionID, agentID string, status chat.SessionStatus) error
	MarkEnded(sessionID, endedBy string, endedAt time.Time) error

	// Reads used to hydrate sessions that predate this process (agent
	// reconnect recovery after a restart).
	GetSession(sessionID string) (*chat.Session, error)
	GetMessages(sessionID string) ([]*chat.Message, error)
}

// Releaser frees an agent's assignment slot when a session ends. Implemented
// by the assignment engine; wired after construction.
type Releaser interface {
	Release(ctx context.Context, sessionID, agentID string, requeue bool) error
}

// Notifier observes session terminations. Every End fires it exactly once,
// whichever path triggered the termination (explicit end_chat, customer
// disconnect, abandonment).
type Notifier interface {
	ChatEnded(session *chat.Session, endedBy string)
}

// storeRetryDelay is the backoff before the single retry of a failed
// durable write.
const storeRetryDelay = 50 * time.Millisecond

type sessionState struct {
	mu      sync.Mutex
	session *chat.Session
}

// Manager owns the lifecycle of chat sessions. It is the sole writer of
// session status and message lists; all mutations of one session are
// serialized, while different sessions proceed independently.
type Manager struct {
	store      Store
	logger     *logger.Logger
	retryDelay time.Duration

	mu         sync.RWMutex
	sessions   map[string]*sessionState
	byCustomer map[string]string // customer id -> open session id

	releaser Releaser
	notifier Notifier
}

// NewManager creates a session manager on the given durable store
func NewManager(store Store, log *logger.Logger) *Manager {
	return &Manager{
		store:      store,
		logger:     log.Named("session"),
		retryDelay: storeRetryDelay,
		sessions:   make(map[string]*sessionState),
		byCustomer: make(map[string]string),
	}
}

// SetReleaser wires the assignment engine in after construction
func (m *Manager) SetReleaser(r Releaser) {
	m.releaser = r
}

// SetNotifier wires the termination event sink in after construction
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// Create starts a new pending session for a customer and persists it
// immediately.
func (m *Manager) Create(ctx context.Context, customerID string, language string, metadata map[string]string) (*chat.Session, error) {
	session := &chat.Session{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Status:     chat.StatusPending,
		Language:   language,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}

	if err := m.persist(ctx, func() error { return m.store.PutSession(session) }); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[session.ID] = &sessionState{session: session}
	m.byCustomer[customerID] = session.ID
	m.mu.Unlock()

	m.logger.Info("Session created",
		String("session_id", session.ID),
		String("customer_id", customerID))

	return session, nil
}

// Adopt re-indexes an existing open session under a reconnecting customer.
// Used by the session-resume path; fails if the session has ended.
func (m *Manager) Adopt(sessionID, customerID string) (*chat.Session, error) {
	state, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.session.Status == chat.StatusEnded {
		return nil, chat.ErrSessionClosed
	}

	m.mu.Lock()
	delete(m.byCustomer, state.session.CustomerID)
	m.byCustomer[customerID] = sessionID
	m.mu.Unlock()

	state.session.CustomerID = customerID
	snapshot := *state.session
	return &snapshot, nil
}

// AppendMessage appends one message to a session. The durable log is
// written before the caller gets the message back, so a crash after this
// returns loses delivery latency, not data.
func (m *Manager) AppendMessage(ctx context.Context, sessionID string, sender chat.Role, content string) (*chat.Message, error) {
	state, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.session.Status == chat.StatusEnded {
		return nil, chat.ErrSessionClosed
	}

	message := &chat.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}

	// Durable write first; the in-memory list only sees acknowledged messages
	if err := m.persist(ctx, func() error { return m.store.AppendMessage(message) }); err != nil {
		return nil, err
	}

	state.session.Messages = append(state.session.Messages, message)
	return message, nil
}

// End transitions a session to its terminal state and releases the agent's
// assignment slot. Ending an already-ended session is a no-op.
func (m *Manager) End(ctx context.Context, sessionID, endedBy string) error {
	state, err := m.state(sessionID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	if state.session.Status == chat.StatusEnded {
		state.mu.Unlock()
		return nil
	}

	now := time.Now().UTC()
	agentID := state.session.AgentID
	customerID := state.session.CustomerID

	// Persist first so a failed write leaves the session endable again
	if err := m.persist(ctx, func() error { return m.store.MarkEnded(sessionID, endedBy, now) }); err != nil {
		state.mu.Unlock()
		return err
	}

	state.session.Status = chat.StatusEnded
	state.session.EndedAt = &now
	state.session.EndedBy = endedBy
	snapshot := *state.session
	state.mu.Unlock()

	m.mu.Lock()
	if m.byCustomer[customerID] == sessionID {
		delete(m.byCustomer, customerID)
	}
	m.mu.Unlock()

	m.logger.Info("Session ended",
		String("session_id", sessionID),
		String("ended_by", endedBy))

	// Notify before releasing the slot so the counterpart sees chat_ended
	// before any chat_assigned for the freed capacity
	if m.notifier != nil {
		m.notifier.ChatEnded(&snapshot, endedBy)
	}

	// Release outside the session lock; the engine may immediately assign
	// other sessions to the freed agent.
	if agentID != "" && m.releaser != nil {
		if err := m.releaser.Release(ctx, sessionID, agentID, false); err != nil {
			m.logger.Error("Failed to release agent slot", Error(err),
				String("session_id", sessionID),
				String("agent_id", agentID))
		}
	}

	return nil
}

// EndForCustomer ends the customer's open session, if any. Used when a
// customer disconnects; a pending session ends abandoned.
func (m *Manager) EndForCustomer(ctx context.Context, customerID, endedBy string) error {
	m.mu.RLock()
	sessionID, ok := m.byCustomer[customerID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return m.End(ctx, sessionID, endedBy)
}

// Reassign updates a session's agent pointer. Called only by the assignment
// engine: a non-empty agentID activates the session, an empty one returns
// it to pending (agent disconnect requeue).
func (m *Manager) Reassign(ctx context.Context, sessionID, agentID string) (*chat.Session, error) {
	state, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.session.Status == chat.StatusEnded {
		return nil, chat.ErrSessionClosed
	}

	status := chat.StatusActive
	if agentID == "" {
		status = chat.StatusPending
	}

	if err := m.persist(ctx, func() error { return m.store.UpdateAssignment(sessionID, agentID, status) }); err != nil {
		return nil, err
	}

	state.session.AgentID = agentID
	state.session.Status = status

	snapshot := *state.session
	return &snapshot, nil
}

// Get returns a snapshot of a session
func (m *Manager) Get(sessionID string) (*chat.Session, error) {
	state, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	snapshot := *state.session
	snapshot.Messages = append([]*chat.Message(nil), state.session.Messages...)
	return &snapshot, nil
}

// Messages returns a session's messages in append order
func (m *Manager) Messages(sessionID string) ([]*chat.Message, error) {
	state, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return append([]*chat.Message(nil), state.session.Messages...), nil
}

// ActiveSessionForCustomer returns the customer's open session id, if any
func (m *Manager) ActiveSessionForCustomer(customerID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessionID, ok := m.byCustomer[customerID]
	return sessionID, ok
}

func (m *Manager) state(sessionID string) (*sessionState, error) {
	m.mu.RLock()
	state, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return state, nil
	}

	// Not in memory: the session may predate this process. Hydrate it from
	// the durable log.
	session, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := m.store.GetMessages(sessionID)
	if err != nil {
		return nil, err
	}
	session.Messages = messages

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[sessionID]; ok {
		// Lost the race to another hydrator
		return existing, nil
	}
	state = &sessionState{session: session}
	m.sessions[sessionID] = state
	if session.Status != chat.StatusEnded {
		m.byCustomer[session.CustomerID] = sessionID
	}
	m.logger.Debug("Hydrated session from durable store",
		String("session_id", sessionID))
	return state, nil
}

// persist runs a durable store write with a single retry after a brief
// backoff. Repeated failure surfaces as ErrStoreUnavailable; it is never
// swallowed.
func (m *Manager) persist(ctx context.Context, write func() error) error {
	err := write()
	if err == nil {
		return nil
	}

	m.logger.Warn("Durable store write failed, retrying", Error(err))
	select {
	case <-time.After(m.retryDelay):
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", chat.ErrStoreUnavailable, ctx.Err())
	}

	if err := write(); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrStoreUnavailable, err)
	}
	return nil
}
