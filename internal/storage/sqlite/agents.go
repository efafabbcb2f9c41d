package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/18kchat/chatrouter/internal/chat"
	"github.com/18kchat/chatrouter/pkg/logger"
)

// AgentStorage holds the registered agent identities and their bearer
// credentials. Agent identity persists across connections; presence does not.
type AgentStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// AgentMetrics is an aggregate over an agent's ended sessions
type AgentMetrics struct {
	AgentID            string  `json:"agent_id"`
	TotalChats         int     `json:"total_chats"`
	AvgChatDurationSec float64 `json:"avg_chat_duration_seconds"`
}

// NewAgentStorage creates agent storage on an existing database handle
func NewAgentStorage(db *sql.DB, log *logger.Logger) *AgentStorage {
	storage := &AgentStorage{
		db:     db,
		logger: log.Named("sqlite-agents"),
	}

	if err := storage.initDB(); err != nil {
		storage.logger.Error("Failed to initialize agent storage", Error(err))
	}

	return storage
}

// initDB initializes the database tables
func (s *AgentStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			token TEXT UNIQUE,
			token_expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create agents table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_agents_token ON agents(token)`)
	if err != nil {
		return fmt.Errorf("failed to create agents token index: %w", err)
	}

	return nil
}

// UpsertAgent inserts or updates an agent identity
func (s *AgentStorage) UpsertAgent(agent *chat.Agent, token string, tokenExpiresAt time.Time) error {
	var expires any
	if !tokenExpiresAt.IsZero() {
		expires = tokenExpiresAt.UTC().Format(time.RFC3339)
	}

	createdAt := agent.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO agents (id, name, token, token_expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, token = excluded.token, token_expires_at = excluded.token_expires_at`,
		agent.ID,
		agent.Name,
		token,
		expires,
		createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}

	return nil
}

// GetAgentCredential looks up the agent bound to a bearer token. Returns
// nil (without error) when the token is unknown; expiry is the caller's
// decision.
func (s *AgentStorage) GetAgentCredential(token string) (*chat.AgentCredential, error) {
	row := s.db.QueryRow(
		`SELECT id, name, token_expires_at FROM agents WHERE token = ?`,
		token,
	)

	var cred chat.AgentCredential
	var expiresAt sql.NullString

	if err := row.Scan(&cred.AgentID, &cred.Name, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query agent credential: %w", err)
	}

	if expiresAt.Valid && expiresAt.String != "" {
		t, err := time.Parse(time.RFC3339, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse token_expires_at: %w", err)
		}
		cred.ExpiresAt = t
	}

	return &cred, nil
}

// GetAgents returns all registered agent identities
func (s *AgentStorage) GetAgents() ([]*chat.Agent, error) {
	rows, err := s.db.Query(`SELECT id, name, created_at FROM agents ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []*chat.Agent
	for rows.Next() {
		var agent chat.Agent
		var createdAt string

		if err := rows.Scan(&agent.ID, &agent.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}

		agent.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse agent created_at: %w", err)
		}

		// Presence is ephemeral; the durable record alone means offline
		agent.Status = chat.AgentOffline

		agents = append(agents, &agent)
	}

	return agents, rows.Err()
}

// GetAgentMetrics aggregates an agent's ended sessions in a time range
func (s *AgentStorage) GetAgentMetrics(agentID string, from, to time.Time) (*AgentMetrics, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*),
			COALESCE(AVG(strftime('%s', ended_at) - strftime('%s', created_at)), 0)
		FROM sessions
		WHERE agent_id = ? AND status = ? AND created_at BETWEEN ? AND ?`,
		agentID,
		string(chat.StatusEnded),
		from.UTC().Format(time.RFC3339),
		to.UTC().Format(time.RFC3339),
	)

	metrics := &AgentMetrics{AgentID: agentID}
	if err := row.Scan(&metrics.TotalChats, &metrics.AvgChatDurationSec); err != nil {
		return nil, fmt.Errorf("failed to query agent metrics: %w", err)
	}

	return metrics, nil
}
