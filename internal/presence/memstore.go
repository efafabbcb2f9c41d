package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/18kchat/chatrouter/internal/chat"
)

// MemoryStore is the in-process presence store backend. It is the default
// when Redis is not configured, and doubles as the store used by tests.
type MemoryStore struct {
	mu       sync.RWMutex
	status   map[string]chat.AgentStatus
	sessions map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory presence store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		status:   make(map[string]chat.AgentStatus),
		sessions: make(map[string]map[string]struct{}),
	}
}

// SetAgentOnline marks the agent online
func (s *MemoryStore) SetAgentOnline(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[agentID] = chat.AgentOnline
	return nil
}

// SetAgentOffline marks the agent offline. The assignment set is left in
// place; releasing or restoring it is the assignment engine's job.
func (s *MemoryStore) SetAgentOffline(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.status, agentID)
	return nil
}

// SetAgentStatus records an agent-initiated status change
func (s *MemoryStore) SetAgentStatus(_ context.Context, agentID string, status chat.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == chat.AgentOffline {
		delete(s.status, agentID)
		return nil
	}
	s.status[agentID] = status
	return nil
}

// AgentStatus returns the agent's current status, offline when unknown
func (s *MemoryStore) AgentStatus(_ context.Context, agentID string) (chat.AgentStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if status, ok := s.status[agentID]; ok {
		return status, nil
	}
	return chat.AgentOffline, nil
}

// OnlineAgents returns all connected agent ids in ascending order
func (s *MemoryStore) OnlineAgents(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]string, 0, len(s.status))
	for agentID := range s.status {
		agents = append(agents, agentID)
	}
	sort.Strings(agents)
	return agents, nil
}

// AddAssignment adds a session to the agent's assignment set
func (s *MemoryStore) AddAssignment(_ context.Context, agentID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sessions[agentID]
	if !ok {
		set = make(map[string]struct{})
		s.sessions[agentID] = set
	}
	set[sessionID] = struct{}{}
	return nil
}

// RemoveAssignment removes a session from the agent's assignment set
func (s *MemoryStore) RemoveAssignment(_ context.Context, agentID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sessions[agentID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(s.sessions, agentID)
		}
	}
	return nil
}

// AssignedCount returns the size of the agent's assignment set
func (s *MemoryStore) AssignedCount(_ context.Context, agentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[agentID]), nil
}

// Assignments returns the agent's assigned session ids in ascending order
func (s *MemoryStore) Assignments(_ context.Context, agentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.sessions[agentID]
	ids := make([]string, 0, len(set))
	for sessionID := range set {
		ids = append(ids, sessionID)
	}
	sort.Strings(ids)
	return ids, nil
}
