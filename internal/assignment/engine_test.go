package assignment_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/18kchat/chatrouter/internal/assignment"
	"github.com/18kchat/chatrouter/internal/chat"
	"github.com/18kchat/chatrouter/internal/presence"
	"github.com/18kchat/chatrouter/pkg/logger"
)

// fakePool returns a fixed candidate list, adjusted live from the store
type fakePool struct {
	store    *presence.MemoryStore
	capacity int
}

func (f *fakePool) AvailableAgents(ctx context.Context) ([]presence.AgentLoad, error) {
	online, err := f.store.OnlineAgents(ctx)
	if err != nil {
		return nil, err
	}
	var loads []presence.AgentLoad
	for _, agentID := range online {
		count, err := f.store.AssignedCount(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if count < f.capacity {
			loads = append(loads, presence.AgentLoad{AgentID: agentID, Assigned: count})
		}
	}
	return loads, nil
}

type fakeSessions struct {
	mu     sync.Mutex
	status map[string]chat.SessionStatus
	agent  map[string]string
}

func newFakeSessions(ids ...string) *fakeSessions {
	f := &fakeSessions{
		status: make(map[string]chat.SessionStatus),
		agent:  make(map[string]string),
	}
	for _, id := range ids {
		f.status[id] = chat.StatusPending
	}
	return f
}

func (f *fakeSessions) Reassign(_ context.Context, sessionID, agentID string) (*chat.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.status[sessionID]
	if !ok {
		return nil, chat.ErrSessionNotFound
	}
	if status == chat.StatusEnded {
		return nil, chat.ErrSessionClosed
	}
	if agentID == "" {
		f.status[sessionID] = chat.StatusPending
	} else {
		f.status[sessionID] = chat.StatusActive
	}
	f.agent[sessionID] = agentID
	return &chat.Session{ID: sessionID, AgentID: agentID, Status: f.status[sessionID]}, nil
}

func (f *fakeSessions) Get(sessionID string) (*chat.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.status[sessionID]
	if !ok {
		return nil, chat.ErrSessionNotFound
	}
	return &chat.Session{ID: sessionID, AgentID: f.agent[sessionID], Status: status}, nil
}

func (f *fakeSessions) end(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[sessionID] = chat.StatusEnded
}

func (f *fakeSessions) agentFor(sessionID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agent[sessionID]
}

type recordingNotifier struct {
	mu       sync.Mutex
	assigned []string
	queued   map[string]int
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{queued: make(map[string]int)}
}

func (n *recordingNotifier) ChatAssigned(session *chat.Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assigned = append(n.assigned, session.ID)
}

func (n *recordingNotifier) ChatQueued(sessionID string, position int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queued[sessionID] = position
}

func setup(capacity int, sessionIDs ...string) (*assignment.Engine, *presence.MemoryStore, *fakeSessions, *recordingNotifier) {
	store := presence.NewMemoryStore()
	sessions := newFakeSessions(sessionIDs...)
	notifier := newRecordingNotifier()
	engine := assignment.NewEngine(&fakePool{store: store, capacity: capacity}, sessions, store, logger.NewNop())
	engine.SetNotifier(notifier)
	return engine, store, sessions, notifier
}

func TestEnqueueAssignsImmediately(t *testing.T) {
	engine, store, sessions, notifier := setup(3, "s1")
	ctx := context.Background()
	store.SetAgentOnline(ctx, "agent-1")

	if err := engine.Enqueue(ctx, "s1"); err != nil {
		t.Fatalf("Enqueue err: %v", err)
	}

	if got := sessions.agentFor("s1"); got != "agent-1" {
		t.Fatalf("s1 assigned to %q, want agent-1", got)
	}
	if len(engine.QueueSnapshot()) != 0 {
		t.Fatalf("queue not empty after assignment: %v", engine.QueueSnapshot())
	}
	if len(notifier.assigned) != 1 || notifier.assigned[0] != "s1" {
		t.Fatalf("notifier assigned = %v", notifier.assigned)
	}
	if _, ok := notifier.queued["s1"]; ok {
		t.Fatal("assigned session also reported queued")
	}
}

func TestEnqueueWithoutAgentsQueues(t *testing.T) {
	engine, _, _, notifier := setup(3, "s1", "s2")
	ctx := context.Background()

	if err := engine.Enqueue(ctx, "s1"); err != nil {
		t.Fatalf("Enqueue err: %v", err)
	}
	if err := engine.Enqueue(ctx, "s2"); err != nil {
		t.Fatalf("Enqueue err: %v", err)
	}

	queue := engine.QueueSnapshot()
	if len(queue) != 2 || queue[0] != "s1" || queue[1] != "s2" {
		t.Fatalf("queue = %v, want [s1 s2]", queue)
	}
	if notifier.queued["s1"] != 1 || notifier.queued["s2"] != 2 {
		t.Fatalf("queued positions = %v", notifier.queued)
	}
}

func TestLeastLoadedWinsWithDeterministicTieBreak(t *testing.T) {
	engine, store, sessions, _ := setup(3, "s1", "s2")
	ctx := context.Background()

	store.SetAgentOnline(ctx, "agent-b")
	store.SetAgentOnline(ctx, "agent-a")
	store.AddAssignment(ctx, "agent-b", "old-1")

	if err := engine.Enqueue(ctx, "s1"); err != nil {
		t.Fatalf("Enqueue err: %v", err)
	}
	// agent-a has 0 assigned, agent-b has 1
	if got := sessions.agentFor("s1"); got != "agent-a" {
		t.Fatalf("s1 assigned to %q, want least-loaded agent-a", got)
	}

	// Both now hold one session; the tie breaks on ascending agent id
	if err := engine.Enqueue(ctx, "s2"); err != nil {
		t.Fatalf("Enqueue err: %v", err)
	}
	if got := sessions.agentFor("s2"); got != "agent-a" {
		t.Fatalf("s2 assigned to %q, want agent-a on id tie-break", got)
	}
}

func TestCapacityBoundary(t *testing.T) {
	ids := []string{"s1", "s2", "s3", "s4"}
	engine, store, sessions, notifier := setup(3, ids...)
	ctx := context.Background()
	store.SetAgentOnline(ctx, "agent-1")

	for _, id := range ids {
		if err := engine.Enqueue(ctx, id); err != nil {
			t.Fatalf("Enqueue %s err: %v", id, err)
		}
	}

	// Capacity 3: the fourth chat waits
	for _, id := range ids[:3] {
		if got := sessions.agentFor(id); got != "agent-1" {
			t.Fatalf("%s assigned to %q, want agent-1", id, got)
		}
	}
	queue := engine.QueueSnapshot()
	if len(queue) != 1 || queue[0] != "s4" {
		t.Fatalf("queue = %v, want [s4]", queue)
	}
	if notifier.queued["s4"] != 1 {
		t.Fatalf("s4 queued position = %d, want 1", notifier.queued["s4"])
	}

	// A freed slot drains the waiter
	if err := engine.Release(ctx, "s1", "agent-1", false); err != nil {
		t.Fatalf("Release err: %v", err)
	}
	if got := sessions.agentFor("s4"); got != "agent-1" {
		t.Fatalf("s4 assigned to %q after freed slot, want agent-1", got)
	}
	if len(engine.QueueSnapshot()) != 0 {
		t.Fatalf("queue not drained: %v", engine.QueueSnapshot())
	}
}

func TestReleaseAgentRequeuesAtHead(t *testing.T) {
	engine, store, sessions, _ := setup(3, "held-1", "held-2", "waiting")
	ctx := context.Background()
	store.SetAgentOnline(ctx, "agent-1")

	if err := engine.Enqueue(ctx, "held-1"); err != nil {
		t.Fatalf("Enqueue err: %v", err)
	}
	if err := engine.Enqueue(ctx, "held-2"); err != nil {
		t.Fatalf("Enqueue err: %v", err)
	}

	// Fill the rest of capacity so "waiting" stays queued behind
	store.AddAssignment(ctx, "agent-1", "filler")
	if err := engine.Enqueue(ctx, "waiting"); err != nil {
		t.Fatalf("Enqueue err: %v", err)
	}
	if queue := engine.QueueSnapshot(); len(queue) != 1 || queue[0] != "waiting" {
		t.Fatalf("queue = %v, want [waiting]", queue)
	}

	// Agent disconnects: its sessions re-enter ahead of the earlier waiter
	store.SetAgentOffline(ctx, "agent-1")
	if err := engine.ReleaseAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("ReleaseAgent err: %v", err)
	}

	queue := engine.QueueSnapshot()
	if len(queue) != 3 || queue[2] != "waiting" {
		t.Fatalf("queue = %v, want orphans ahead of waiting", queue)
	}
	if got := sessions.agentFor("held-1"); got != "" {
		t.Fatalf("held-1 still assigned to %q", got)
	}

	// A new agent picks the orphans up first
	store.SetAgentOnline(ctx, "agent-2")
	if err := engine.TryAssign(ctx); err != nil {
		t.Fatalf("TryAssign err: %v", err)
	}
	for _, id := range []string{"held-1", "held-2", "waiting"} {
		if got := sessions.agentFor(id); got != "agent-2" {
			t.Fatalf("%s assigned to %q, want agent-2", id, got)
		}
	}
}

func TestEndedSessionDroppedFromQueue(t *testing.T) {
	engine, store, sessions, notifier := setup(3, "dead", "alive")
	ctx := context.Background()

	if err := engine.Enqueue(ctx, "dead"); err != nil {
		t.Fatalf("Enqueue err: %v", err)
	}
	if err := engine.Enqueue(ctx, "alive"); err != nil {
		t.Fatalf("Enqueue err: %v", err)
	}

	// Customer gives up while waiting
	sessions.end("dead")

	store.SetAgentOnline(ctx, "agent-1")
	if err := engine.TryAssign(ctx); err != nil {
		t.Fatalf("TryAssign err: %v", err)
	}

	if got := sessions.agentFor("alive"); got != "agent-1" {
		t.Fatalf("alive assigned to %q, want agent-1", got)
	}
	for _, id := range notifier.assigned {
		if id == "dead" {
			t.Fatal("ended session was assigned")
		}
	}
	if len(engine.QueueSnapshot()) != 0 {
		t.Fatalf("queue = %v, want empty", engine.QueueSnapshot())
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	engine, _, _, _ := setup(3, "s1")
	ctx := context.Background()

	if err := engine.Enqueue(ctx, "s1"); err != nil {
		t.Fatalf("Enqueue err: %v", err)
	}
	if err := engine.Enqueue(ctx, "s1"); err != nil {
		t.Fatalf("second Enqueue err: %v", err)
	}
	if queue := engine.QueueSnapshot(); len(queue) != 1 {
		t.Fatalf("queue = %v, want single entry", queue)
	}
}

func TestRestoreRebuildsAssignments(t *testing.T) {
	engine, store, _, _ := setup(3)
	ctx := context.Background()

	if err := engine.Restore(ctx, "agent-1", []string{"s1", "s2"}); err != nil {
		t.Fatalf("Restore err: %v", err)
	}
	count, err := store.AssignedCount(ctx, "agent-1")
	if err != nil {
		t.Fatalf("AssignedCount err: %v", err)
	}
	if count != 2 {
		t.Fatalf("assigned count = %d, want 2", count)
	}
	if len(engine.QueueSnapshot()) != 0 {
		t.Fatal("restore touched the queue")
	}
}

// flakyStore fails a configured number of AddAssignment calls
type flakyStore struct {
	*presence.MemoryStore
	failAdds int
}

func (f *flakyStore) AddAssignment(ctx context.Context, agentID, sessionID string) error {
	if f.failAdds > 0 {
		f.failAdds--
		return errors.New("presence store down")
	}
	return f.MemoryStore.AddAssignment(ctx, agentID, sessionID)
}

func TestAssignmentStoreFailureRollsBack(t *testing.T) {
	store := &flakyStore{MemoryStore: presence.NewMemoryStore(), failAdds: 1}
	sessions := newFakeSessions("s1", "s2")
	notifier := newRecordingNotifier()
	engine := assignment.NewEngine(&fakePool{store: store.MemoryStore, capacity: 1}, sessions, store, logger.NewNop())
	engine.SetNotifier(notifier)
	ctx := context.Background()
	store.SetAgentOnline(ctx, "agent-1")

	if err := engine.Enqueue(ctx, "s1"); err == nil {
		t.Fatal("Enqueue succeeded despite failed assignment write")
	}

	// Nothing half-applied: s1 is pending again, back at the head, and the
	// agent's count never moved
	sess, err := sessions.Get("s1")
	if err != nil {
		t.Fatalf("Get err: %v", err)
	}
	if sess.Status != chat.StatusPending || sess.AgentID != "" {
		t.Fatalf("s1 = %s/%q, want pending/unassigned", sess.Status, sess.AgentID)
	}
	if queue := engine.QueueSnapshot(); len(queue) != 1 || queue[0] != "s1" {
		t.Fatalf("queue = %v, want [s1]", queue)
	}
	count, err := store.AssignedCount(ctx, "agent-1")
	if err != nil {
		t.Fatalf("AssignedCount err: %v", err)
	}
	if count != 0 {
		t.Fatalf("assigned count = %d, want 0", count)
	}
	if len(notifier.assigned) != 0 {
		t.Fatalf("notifier assigned = %v, want none", notifier.assigned)
	}

	// The store recovers: the rolled-back session keeps its place at the
	// head and drains before later arrivals
	if err := engine.Enqueue(ctx, "s2"); err != nil {
		t.Fatalf("Enqueue err: %v", err)
	}
	if got := sessions.agentFor("s1"); got != "agent-1" {
		t.Fatalf("s1 assigned to %q after recovery, want agent-1", got)
	}
	if queue := engine.QueueSnapshot(); len(queue) != 1 || queue[0] != "s2" {
		t.Fatalf("queue = %v, want [s2] behind the capacity-1 agent", queue)
	}

	// Capacity 1 holds: s2 waits until the slot frees
	if err := engine.Release(ctx, "s1", "agent-1", false); err != nil {
		t.Fatalf("Release err: %v", err)
	}
	if got := sessions.agentFor("s2"); got != "agent-1" {
		t.Fatalf("s2 assigned to %q after freed slot, want agent-1", got)
	}
}
