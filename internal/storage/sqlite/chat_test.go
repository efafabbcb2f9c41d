package sqlite_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/18kchat/chatrouter/internal/chat"
	"github.com/18kchat/chatrouter/internal/storage/sqlite"
	"github.com/18kchat/chatrouter/pkg/logger"
)

func newStorage(t *testing.T) *sqlite.ChatStorage {
	t.Helper()
	storage, err := sqlite.NewChatStorage(filepath.Join(t.TempDir(), "test.db"), logger.NewNop())
	if err != nil {
		t.Fatalf("NewChatStorage err: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestSessionLifecycleRoundTrip(t *testing.T) {
	storage := newStorage(t)

	created := time.Now().UTC().Truncate(time.Second)
	session := &chat.Session{
		ID:         "s1",
		CustomerID: "cust-1",
		Status:     chat.StatusPending,
		Language:   "en",
		Metadata:   map[string]string{"source": "web"},
		CreatedAt:  created,
	}
	if err := storage.PutSession(session); err != nil {
		t.Fatalf("PutSession err: %v", err)
	}

	got, err := storage.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession err: %v", err)
	}
	if got.CustomerID != "cust-1" || got.Status != chat.StatusPending || got.Language != "en" {
		t.Fatalf("stored session = %+v", got)
	}
	if got.Metadata["source"] != "web" {
		t.Fatalf("metadata = %v", got.Metadata)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, created)
	}

	if err := storage.UpdateAssignment("s1", "agent-1", chat.StatusActive); err != nil {
		t.Fatalf("UpdateAssignment err: %v", err)
	}
	got, err = storage.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession err: %v", err)
	}
	if got.AgentID != "agent-1" || got.Status != chat.StatusActive {
		t.Fatalf("after assignment: %+v", got)
	}

	endedAt := time.Now().UTC().Truncate(time.Second)
	if err := storage.MarkEnded("s1", "customer", endedAt); err != nil {
		t.Fatalf("MarkEnded err: %v", err)
	}
	got, err = storage.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession err: %v", err)
	}
	if got.Status != chat.StatusEnded || got.EndedBy != "customer" || got.EndedAt == nil {
		t.Fatalf("after end: %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	storage := newStorage(t)

	if _, err := storage.GetSession("missing"); !errors.Is(err, chat.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	if err := storage.UpdateAssignment("missing", "agent-1", chat.StatusActive); !errors.Is(err, chat.ErrSessionNotFound) {
		t.Fatalf("UpdateAssignment err = %v, want ErrSessionNotFound", err)
	}
	if err := storage.MarkEnded("missing", "customer", time.Now()); !errors.Is(err, chat.ErrSessionNotFound) {
		t.Fatalf("MarkEnded err = %v, want ErrSessionNotFound", err)
	}
}

func TestMessagesKeepAppendOrder(t *testing.T) {
	storage := newStorage(t)

	if err := storage.PutSession(&chat.Session{
		ID: "s1", CustomerID: "cust-1", Status: chat.StatusActive, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("PutSession err: %v", err)
	}

	// Identical timestamps force the rowid tie-break
	now := time.Now().UTC()
	for i, id := range []string{"m1", "m2", "m3"} {
		if err := storage.AppendMessage(&chat.Message{
			ID:        id,
			SessionID: "s1",
			Sender:    chat.RoleCustomer,
			Content:   id,
			Timestamp: now,
		}); err != nil {
			t.Fatalf("AppendMessage %d err: %v", i, err)
		}
	}

	msgs, err := storage.GetMessages("s1")
	if err != nil {
		t.Fatalf("GetMessages err: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Fatalf("message %d = %s, want %s", i, msgs[i].ID, want)
		}
	}
}

func TestGetSessionsByAgentSkipsEnded(t *testing.T) {
	storage := newStorage(t)
	base := time.Now().UTC()

	put := func(id string, status chat.SessionStatus, offset time.Duration) {
		t.Helper()
		if err := storage.PutSession(&chat.Session{
			ID: id, CustomerID: "cust-" + id, AgentID: "agent-1",
			Status: status, CreatedAt: base.Add(offset),
		}); err != nil {
			t.Fatalf("PutSession %s err: %v", id, err)
		}
	}

	put("open-late", chat.StatusActive, 2*time.Second)
	put("open-early", chat.StatusActive, 0)
	put("done", chat.StatusEnded, time.Second)

	sessions, err := storage.GetSessionsByAgent("agent-1")
	if err != nil {
		t.Fatalf("GetSessionsByAgent err: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != "open-early" || sessions[1].ID != "open-late" {
		t.Fatalf("order = [%s %s], want oldest first", sessions[0].ID, sessions[1].ID)
	}
}

func TestGetSessionsPagination(t *testing.T) {
	storage := newStorage(t)
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		if err := storage.PutSession(&chat.Session{
			ID: id, CustomerID: "cust", Status: chat.StatusEnded,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("PutSession err: %v", err)
		}
	}

	page, err := storage.GetSessions(2, 0)
	if err != nil {
		t.Fatalf("GetSessions err: %v", err)
	}
	if len(page) != 2 || page[0].ID != "c" || page[1].ID != "b" {
		t.Fatalf("first page = %v", page)
	}

	rest, err := storage.GetSessions(2, 2)
	if err != nil {
		t.Fatalf("GetSessions err: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "a" {
		t.Fatalf("second page = %v", rest)
	}
}

func TestAgentStorage(t *testing.T) {
	storage := newStorage(t)
	agents := sqlite.NewAgentStorage(storage.GetDB(), logger.NewNop())

	if err := agents.UpsertAgent(&chat.Agent{ID: "agent-1", Name: "Alice"}, "token-1", time.Time{}); err != nil {
		t.Fatalf("UpsertAgent err: %v", err)
	}

	cred, err := agents.GetAgentCredential("token-1")
	if err != nil {
		t.Fatalf("GetAgentCredential err: %v", err)
	}
	if cred == nil || cred.AgentID != "agent-1" || cred.Name != "Alice" {
		t.Fatalf("credential = %+v", cred)
	}
	if !cred.ExpiresAt.IsZero() {
		t.Fatalf("expiry = %v, want zero for non-expiring token", cred.ExpiresAt)
	}

	unknown, err := agents.GetAgentCredential("nope")
	if err != nil {
		t.Fatalf("GetAgentCredential err: %v", err)
	}
	if unknown != nil {
		t.Fatalf("unknown token resolved to %+v", unknown)
	}

	// Renaming keeps the same row
	if err := agents.UpsertAgent(&chat.Agent{ID: "agent-1", Name: "Alicia"}, "token-1b", time.Time{}); err != nil {
		t.Fatalf("UpsertAgent update err: %v", err)
	}
	all, err := agents.GetAgents()
	if err != nil {
		t.Fatalf("GetAgents err: %v", err)
	}
	if len(all) != 1 || all[0].Name != "Alicia" {
		t.Fatalf("agents = %v", all)
	}
}

func TestAgentMetrics(t *testing.T) {
	storage := newStorage(t)
	agents := sqlite.NewAgentStorage(storage.GetDB(), logger.NewNop())

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	for i, id := range []string{"s1", "s2"} {
		created := base.Add(time.Duration(i) * time.Minute)
		if err := storage.PutSession(&chat.Session{
			ID: id, CustomerID: "cust", AgentID: "agent-1",
			Status: chat.StatusActive, CreatedAt: created,
		}); err != nil {
			t.Fatalf("PutSession err: %v", err)
		}
		if err := storage.MarkEnded(id, "agent", created.Add(10*time.Minute)); err != nil {
			t.Fatalf("MarkEnded err: %v", err)
		}
	}

	metrics, err := agents.GetAgentMetrics("agent-1", base.Add(-time.Minute), time.Now().UTC())
	if err != nil {
		t.Fatalf("GetAgentMetrics err: %v", err)
	}
	if metrics.TotalChats != 2 {
		t.Fatalf("total chats = %d, want 2", metrics.TotalChats)
	}
	if metrics.AvgChatDurationSec < 599 || metrics.AvgChatDurationSec > 601 {
		t.Fatalf("avg duration = %f, want ~600s", metrics.AvgChatDurationSec)
	}
}
