package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/18kchat/chatrouter/internal/chat"
	"github.com/18kchat/chatrouter/pkg/logger"
	_ "modernc.org/sqlite"
)

// Import logger functions
var (
	String = logger.String
	Error  = logger.Error
)

// ChatStorage is the SQLite-backed durable log of chat sessions and
// messages. Every session state transition and every message is written
// through here before it is acknowledged, so the conversation record
// survives process restarts.
type ChatStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewChatStorage opens (or creates) the database at dbPath and prepares the
// chat tables.
func NewChatStorage(dbPath string, log *logger.Logger) (*ChatStorage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage",
		String("path", dbPath))

	// Open the database
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool limits
	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	// Set pragmas for better performance and concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	storage := &ChatStorage{
		db:     db,
		logger: storageLogger,
	}

	if err := storage.initDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize chat tables: %w", err)
	}

	return storage, nil
}

// initDB initializes the database tables
func (s *ChatStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			agent_id TEXT,
			status TEXT NOT NULL,
			language TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			ended_by TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}

	// Create indexes
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id, status)`)
	if err != nil {
		return fmt.Errorf("failed to create sessions agent index: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_customer ON sessions(customer_id, status)`)
	if err != nil {
		return fmt.Errorf("failed to create sessions customer index: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create messages session index: %w", err)
	}

	return nil
}

// PutSession inserts or replaces a session record
func (s *ChatStorage) PutSession(session *chat.Session) error {
	var metadata []byte
	if len(session.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(session.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal session metadata: %w", err)
		}
	}

	var endedAt any
	if session.EndedAt != nil {
		endedAt = session.EndedAt.UTC().Format(time.RFC3339)
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sessions
		(id, customer_id, agent_id, status, language, metadata, created_at, ended_at, ended_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.CustomerID,
		session.AgentID,
		string(session.Status),
		session.Language,
		string(metadata),
		session.CreatedAt.UTC().Format(time.RFC3339),
		endedAt,
		session.EndedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to put session: %w", err)
	}

	return nil
}

// UpdateAssignment updates a session's agent pointer and status
func (s *ChatStorage) UpdateAssignment(sessionID, agentID string, status chat.SessionStatus) error {
	result, err := s.db.Exec(
		`UPDATE sessions SET agent_id = ?, status = ? WHERE id = ?`,
		agentID, string(status), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update assignment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return chat.ErrSessionNotFound
	}

	return nil
}

// AppendMessage appends a message to the durable log
func (s *ChatStorage) AppendMessage(message *chat.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, session_id, sender, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		message.ID,
		message.SessionID,
		string(message.Sender),
		message.Content,
		message.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	return nil
}

// MarkEnded records a session's terminal state
func (s *ChatStorage) MarkEnded(sessionID, endedBy string, endedAt time.Time) error {
	result, err := s.db.Exec(
		`UPDATE sessions SET status = ?, ended_at = ?, ended_by = ? WHERE id = ?`,
		string(chat.StatusEnded),
		endedAt.UTC().Format(time.RFC3339),
		endedBy,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark session ended: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return chat.ErrSessionNotFound
	}

	return nil
}

// GetSession returns a single session by id (without its messages)
func (s *ChatStorage) GetSession(sessionID string) (*chat.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, customer_id, agent_id, status, language, metadata, created_at, ended_at, ended_by
		FROM sessions WHERE id = ?`,
		sessionID,
	)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, chat.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// GetSessions returns sessions ordered newest first, with pagination
func (s *ChatStorage) GetSessions(limit, offset int) ([]*chat.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, customer_id, agent_id, status, language, metadata, created_at, ended_at, ended_by
		FROM sessions
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*chat.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

// GetSessionsByAgent returns the agent's non-ended sessions. Used to rebuild
// the agent's assignment set after an unclean disconnect.
func (s *ChatStorage) GetSessionsByAgent(agentID string) ([]*chat.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, customer_id, agent_id, status, language, metadata, created_at, ended_at, ended_by
		FROM sessions
		WHERE agent_id = ? AND status != ?
		ORDER BY created_at ASC`,
		agentID, string(chat.StatusEnded),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions by agent: %w", err)
	}
	defer rows.Close()

	var sessions []*chat.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

// GetMessages returns all messages of a session in append order
func (s *ChatStorage) GetMessages(sessionID string) ([]*chat.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, sender, content, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*chat.Message
	for rows.Next() {
		var message chat.Message
		var sender, createdAt string

		if err := rows.Scan(
			&message.ID,
			&message.SessionID,
			&sender,
			&message.Content,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		message.Sender = chat.Role(sender)
		message.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse message timestamp: %w", err)
		}

		messages = append(messages, &message)
	}

	return messages, rows.Err()
}

// GetDB returns the underlying database handle so other storage types can
// share the same file
func (s *ChatStorage) GetDB() *sql.DB {
	return s.db
}

// Close closes the database
func (s *ChatStorage) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*chat.Session, error) {
	var session chat.Session
	var agentID, language, metadata, endedAt, endedBy sql.NullString
	var status, createdAt string

	if err := row.Scan(
		&session.ID,
		&session.CustomerID,
		&agentID,
		&status,
		&language,
		&metadata,
		&createdAt,
		&endedAt,
		&endedBy,
	); err != nil {
		return nil, err
	}

	session.Status = chat.SessionStatus(status)

	var err error
	session.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	// Handle nullable fields
	if agentID.Valid {
		session.AgentID = agentID.String
	}
	if language.Valid {
		session.Language = language.String
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session metadata: %w", err)
		}
	}
	if endedAt.Valid && endedAt.String != "" {
		t, err := time.Parse(time.RFC3339, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ended_at: %w", err)
		}
		session.EndedAt = &t
	}
	if endedBy.Valid {
		session.EndedBy = endedBy.String
	}

	return &session, nil
}
