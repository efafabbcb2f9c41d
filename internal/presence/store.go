package presence

import (
	"context"

	"github.com/18kchat/chatrouter/internal/chat"
)

// Store is the fast presence store: low-latency ephemeral state gating every
// assignment decision. It holds which agents are online, each agent's
// working status, and the set of sessions currently assigned to each agent.
// It is not durable; everything in it is rebuilt from connection events.
type Store interface {
	SetAgentOnline(ctx context.Context, agentID string) error
	SetAgentOffline(ctx context.Context, agentID string) error
	SetAgentStatus(ctx context.Context, agentID string, status chat.AgentStatus) error

	// AgentStatus returns the agent's current status; offline when unknown.
	AgentStatus(ctx context.Context, agentID string) (chat.AgentStatus, error)

	// OnlineAgents returns the ids of all agents currently marked online or busy.
	OnlineAgents(ctx context.Context) ([]string, error)

	AddAssignment(ctx context.Context, agentID, sessionID string) error
	RemoveAssignment(ctx context.Context, agentID, sessionID string) error
	AssignedCount(ctx context.Context, agentID string) (int, error)
	Assignments(ctx context.Context, agentID string) ([]string, error)
}
