package assignment

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/18kchat/chatrouter/internal/chat"
	"github.com/18kchat/chatrouter/internal/presence"
	"github.com/18kchat/chatrouter/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Error  = logger.Error
)

// AgentPool yields the agents currently able to take a new assignment.
// Implemented by the presence manager, which owns the capacity predicate.
type AgentPool interface {
	AvailableAgents(ctx context.Context) ([]presence.AgentLoad, error)
}

// Sessions is the slice of the session manager the engine drives
type Sessions interface {
	Reassign(ctx context.Context, sessionID, agentID string) (*chat.Session, error)
}

// AssignmentStore holds the per-agent assignment sets. The engine is their
// sole writer.
type AssignmentStore interface {
	AddAssignment(ctx context.Context, agentID, sessionID string) error
	RemoveAssignment(ctx context.Context, agentID, sessionID string) error
	Assignments(ctx context.Context, agentID string) ([]string, error)
}

// Notifier delivers assignment outcomes to the interested parties
type Notifier interface {
	// ChatAssigned fires after a session is bound to an agent
	ChatAssigned(session *chat.Session)
	// ChatQueued fires when a session has to wait for an agent. Position is
	// 1-based. Informational, not a failure.
	ChatQueued(sessionID string, position int)
}

// Engine matches pending sessions to available agents. It owns the pending
// queue: FIFO by arrival, except that sessions orphaned by an agent
// disconnect re-enter at the head so the customer's wait is not compounded.
type Engine struct {
	pool     AgentPool
	sessions Sessions
	store    AssignmentStore
	notifier Notifier
	logger   *logger.Logger

	mu    sync.Mutex
	queue []string // pending session ids, head first
}

// NewEngine creates an assignment engine
func NewEngine(pool AgentPool, sessions Sessions, store AssignmentStore, log *logger.Logger) *Engine {
	return &Engine{
		pool:     pool,
		sessions: sessions,
		store:    store,
		logger:   log.Named("assignment"),
	}
}

// SetNotifier wires the outbound event sink in after construction
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Enqueue appends a session to the pending queue and immediately attempts
// assignment, so an idle agent never waits for a polling cycle.
func (e *Engine) Enqueue(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.positionLocked(sessionID) < 0 {
		e.queue = append(e.queue, sessionID)
	}

	if err := e.tryAssignLocked(ctx); err != nil {
		return err
	}

	// Still waiting after the attempt: tell the customer
	if pos := e.positionLocked(sessionID); pos >= 0 && e.notifier != nil {
		e.notifier.ChatQueued(sessionID, pos+1)
	}
	return nil
}

// TryAssign drains the queue head-to-tail while agents are available. It is
// re-triggered by every relevant event: a new pending session, an agent
// coming online, a status change, a freed slot.
func (e *Engine) TryAssign(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tryAssignLocked(ctx)
}

// Release removes a session from an agent's assignment set. When the
// session itself is not ending (agent disconnect), it re-enters the queue
// at the head and assignment is re-attempted.
func (e *Engine) Release(ctx context.Context, sessionID, agentID string, requeue bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.releaseLocked(ctx, sessionID, agentID, requeue); err != nil {
		return err
	}
	return e.tryAssignLocked(ctx)
}

// ReleaseAgent releases every session held by a disconnected agent. The
// orphaned sessions go to the head of the queue, keeping their order, ahead
// of later arrivals.
func (e *Engine) ReleaseAgent(ctx context.Context, agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	held, err := e.store.Assignments(ctx, agentID)
	if err != nil {
		return err
	}

	// Walk in reverse so the slice order is preserved at the queue head
	for i := len(held) - 1; i >= 0; i-- {
		if err := e.releaseLocked(ctx, held[i], agentID, true); err != nil {
			e.logger.Error("Failed to release orphaned session", Error(err),
				String("session_id", held[i]),
				String("agent_id", agentID))
		}
	}

	return e.tryAssignLocked(ctx)
}

// Restore rebuilds an agent's assignment set after a reconnect. The
// sessions were never released, so they do not touch the queue.
func (e *Engine) Restore(ctx context.Context, agentID string, sessionIDs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sessionID := range sessionIDs {
		if err := e.store.AddAssignment(ctx, agentID, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// QueueSnapshot returns a copy of the pending queue, head first. Exposed
// for observation and for outer abandonment policies; the engine itself
// applies no queue timeout.
func (e *Engine) QueueSnapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.queue...)
}

func (e *Engine) releaseLocked(ctx context.Context, sessionID, agentID string, requeue bool) error {
	if err := e.store.RemoveAssignment(ctx, agentID, sessionID); err != nil {
		return err
	}

	if !requeue {
		return nil
	}

	// Orphaned by an agent disconnect: back to pending, head of the queue
	if _, err := e.sessions.Reassign(ctx, sessionID, ""); err != nil {
		if errors.Is(err, chat.ErrSessionClosed) {
			return nil
		}
		return err
	}
	if e.positionLocked(sessionID) < 0 {
		e.queue = append([]string{sessionID}, e.queue...)
	}

	e.logger.Info("Session requeued at head after agent loss",
		String("session_id", sessionID),
		String("agent_id", agentID))
	return nil
}

func (e *Engine) tryAssignLocked(ctx context.Context) error {
	for len(e.queue) > 0 {
		agentID, ok, err := e.pickAgent(ctx)
		if err != nil {
			return err
		}
		if !ok {
			// Nobody available; leave the queue untouched until the next
			// relevant event. No busy-waiting.
			return nil
		}

		sessionID := e.queue[0]
		e.queue = e.queue[1:]

		session, err := e.sessions.Reassign(ctx, sessionID, agentID)
		if err != nil {
			if errors.Is(err, chat.ErrSessionClosed) || errors.Is(err, chat.ErrSessionNotFound) {
				// Ended while waiting; drop it and keep draining
				continue
			}
			// Put it back; the store hiccup is surfaced, not swallowed
			e.queue = append([]string{sessionID}, e.queue...)
			return err
		}

		if err := e.store.AddAssignment(ctx, agentID, sessionID); err != nil {
			// The binding is half-applied: the session is active but the
			// agent's count never moved. Roll back to pending and put the
			// session back at the head.
			if _, rbErr := e.sessions.Reassign(ctx, sessionID, ""); rbErr != nil {
				e.logger.Error("Failed to roll back assignment", Error(rbErr),
					String("session_id", sessionID),
					String("agent_id", agentID))
			}
			e.queue = append([]string{sessionID}, e.queue...)
			return err
		}

		e.logger.Info("Session assigned",
			String("session_id", sessionID),
			String("agent_id", agentID))

		if e.notifier != nil {
			e.notifier.ChatAssigned(session)
		}
	}
	return nil
}

// pickAgent selects the least-loaded available agent. Ties break on lower
// load first, then ascending agent id, for deterministic assignment.
func (e *Engine) pickAgent(ctx context.Context) (string, bool, error) {
	candidates, err := e.pool.AvailableAgents(ctx)
	if err != nil {
		return "", false, err
	}
	if len(candidates) == 0 {
		return "", false, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Assigned != candidates[j].Assigned {
			return candidates[i].Assigned < candidates[j].Assigned
		}
		return candidates[i].AgentID < candidates[j].AgentID
	})

	return candidates[0].AgentID, true, nil
}

// positionLocked returns the session's index in the queue, or -1
func (e *Engine) positionLocked(sessionID string) int {
	for i, queued := range e.queue {
		if queued == sessionID {
			return i
		}
	}
	return -1
}
