package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/18kchat/chatrouter/internal/chat"
	"github.com/18kchat/chatrouter/pkg/logger"
)

const (
	onlineAgentsKey = "agents:online"
	agentStatusKey  = "agent:%s:status"
	agentChatsKey   = "agent:%s:sessions"
)

// PresenceStore is the Redis-backed fast presence store. It implements
// presence.Store for deployments where presence state should survive a
// router process restart (it still does not survive a Redis restart; the
// state is rebuilt from connection events either way).
type PresenceStore struct {
	rdb    *redis.Client
	logger *logger.Logger
}

// NewPresenceStore creates a presence store on an existing Redis client
func NewPresenceStore(rdb *redis.Client, log *logger.Logger) *PresenceStore {
	return &PresenceStore{
		rdb:    rdb,
		logger: log.Named("redis-presence"),
	}
}

// Ping verifies the Redis connection
func (s *PresenceStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// SetAgentOnline marks the agent online
func (s *PresenceStore) SetAgentOnline(ctx context.Context, agentID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, onlineAgentsKey, agentID)
	pipe.Set(ctx, fmt.Sprintf(agentStatusKey, agentID), string(chat.AgentOnline), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set agent online: %w", err)
	}
	return nil
}

// SetAgentOffline removes the agent from the online set. The assignment set
// is left for the assignment engine to drain.
func (s *PresenceStore) SetAgentOffline(ctx context.Context, agentID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, onlineAgentsKey, agentID)
	pipe.Del(ctx, fmt.Sprintf(agentStatusKey, agentID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set agent offline: %w", err)
	}
	return nil
}

// SetAgentStatus records an agent-initiated status change
func (s *PresenceStore) SetAgentStatus(ctx context.Context, agentID string, status chat.AgentStatus) error {
	if status == chat.AgentOffline {
		return s.SetAgentOffline(ctx, agentID)
	}
	if err := s.rdb.Set(ctx, fmt.Sprintf(agentStatusKey, agentID), string(status), 0).Err(); err != nil {
		return fmt.Errorf("failed to set agent status: %w", err)
	}
	return nil
}

// AgentStatus returns the agent's current status, offline when unknown
func (s *PresenceStore) AgentStatus(ctx context.Context, agentID string) (chat.AgentStatus, error) {
	status, err := s.rdb.Get(ctx, fmt.Sprintf(agentStatusKey, agentID)).Result()
	if err == redis.Nil {
		return chat.AgentOffline, nil
	}
	if err != nil {
		return chat.AgentOffline, fmt.Errorf("failed to get agent status: %w", err)
	}
	return chat.AgentStatus(status), nil
}

// OnlineAgents returns the ids of all connected agents
func (s *PresenceStore) OnlineAgents(ctx context.Context) ([]string, error) {
	agents, err := s.rdb.SMembers(ctx, onlineAgentsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online agents: %w", err)
	}
	return agents, nil
}

// AddAssignment adds a session to the agent's assignment set
func (s *PresenceStore) AddAssignment(ctx context.Context, agentID, sessionID string) error {
	if err := s.rdb.SAdd(ctx, fmt.Sprintf(agentChatsKey, agentID), sessionID).Err(); err != nil {
		return fmt.Errorf("failed to add assignment: %w", err)
	}
	return nil
}

// RemoveAssignment removes a session from the agent's assignment set
func (s *PresenceStore) RemoveAssignment(ctx context.Context, agentID, sessionID string) error {
	if err := s.rdb.SRem(ctx, fmt.Sprintf(agentChatsKey, agentID), sessionID).Err(); err != nil {
		return fmt.Errorf("failed to remove assignment: %w", err)
	}
	return nil
}

// AssignedCount returns the size of the agent's assignment set
func (s *PresenceStore) AssignedCount(ctx context.Context, agentID string) (int, error) {
	count, err := s.rdb.SCard(ctx, fmt.Sprintf(agentChatsKey, agentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count assignments: %w", err)
	}
	return int(count), nil
}

// Assignments returns the agent's assigned session ids
func (s *PresenceStore) Assignments(ctx context.Context, agentID string) ([]string, error) {
	sessions, err := s.rdb.SMembers(ctx, fmt.Sprintf(agentChatsKey, agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	return sessions, nil
}
