package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func initSession(t *testing.T, store *Store) Session {
	t.Helper()
	sess, created, err := store.CreateSession(CreateSessionParams{
		ID:             "sess-1",
		OrganizationID: "org-1",
		UserID:         "user-1",
		RepoOwner:      "acme",
		RepoName:       "widgets",
		Branch:         "main",
		Model:          "claude-sonnet",
	}, baseTime)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first init")
	}
	return sess
}

func TestOpenAndClose(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenCreatesFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sessions", "sess-1.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}
}

func TestEnsureInitializedIsIdempotent(t *testing.T) {
	dbPath := tempDBPath(t)

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.EnsureInitialized(); err != nil {
		t.Fatalf("second EnsureInitialized: %v", err)
	}
	initSession(t, store)
	store.Close()

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	sess, err := reopened.GetSession()
	if err != nil {
		t.Fatalf("GetSession after reopen: %v", err)
	}
	if sess.ID != "sess-1" {
		t.Fatalf("session id = %q, want sess-1", sess.ID)
	}
}

func TestCreateSessionIdempotent(t *testing.T) {
	store := openStore(t)
	first := initSession(t, store)

	if first.Status != SessionCreated {
		t.Fatalf("status = %q, want created", first.Status)
	}
	if first.SandboxStatus != SandboxPending {
		t.Fatalf("sandbox status = %q, want pending", first.SandboxStatus)
	}

	again, created, err := store.CreateSession(CreateSessionParams{ID: "sess-1", Model: "other"}, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("CreateSession again: %v", err)
	}
	if created {
		t.Fatal("expected created=false for existing session")
	}
	if again.Model != "claude-sonnet" || !again.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("existing session modified: %+v", again)
	}

	_, _, err = store.CreateSession(CreateSessionParams{ID: "sess-2"}, baseTime)
	if !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("expected ErrSessionMismatch, got %v", err)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store := openStore(t)
	if _, err := store.GetSession(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetSessionState(time.Minute, baseTime); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from GetSessionState, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		want     bool
	}{
		{SessionCreated, SessionActive, true},
		{SessionCreated, SessionPaused, false},
		{SessionActive, SessionPaused, true},
		{SessionActive, SessionCompleted, true},
		{SessionPaused, SessionActive, true},
		{SessionCompleted, SessionActive, true},
		{SessionActive, SessionActive, true},
		{SessionPaused, SessionArchived, true},
		{SessionArchived, SessionActive, false},
		{SessionArchived, SessionArchived, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestArchiveSessionIsTerminal(t *testing.T) {
	store := openStore(t)
	initSession(t, store)

	archived, err := store.ArchiveSession(baseTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("ArchiveSession: %v", err)
	}
	if archived.Status != SessionArchived || archived.ArchivedAt == nil {
		t.Fatalf("archive result = %+v", archived)
	}

	again, err := store.ArchiveSession(baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("second ArchiveSession: %v", err)
	}
	if !again.ArchivedAt.Equal(*archived.ArchivedAt) {
		t.Fatalf("archivedAt changed: %v -> %v", archived.ArchivedAt, again.ArchivedAt)
	}

	err = store.UpdateSessionStatus(SessionActive, baseTime.Add(2*time.Hour))
	if !errors.Is(err, ErrSessionArchived) {
		t.Fatalf("expected ErrSessionArchived, got %v", err)
	}
	sess, _ := store.GetSession()
	if sess.Status != SessionArchived {
		t.Fatalf("status = %q after reactivation attempt", sess.Status)
	}
}

func TestUpdateSandboxStatus(t *testing.T) {
	store := openStore(t)
	initSession(t, store)

	if err := store.UpdateSandboxStatus(SandboxReady, "sb-1", baseTime); err != nil {
		t.Fatalf("UpdateSandboxStatus: %v", err)
	}
	if err := store.UpdateSandboxStatus(SandboxStopped, "", baseTime); err != nil {
		t.Fatalf("UpdateSandboxStatus: %v", err)
	}
	sess, _ := store.GetSession()
	if sess.SandboxStatus != SandboxStopped {
		t.Fatalf("sandbox status = %q, want stopped", sess.SandboxStatus)
	}
	if sess.SandboxID != "sb-1" {
		t.Fatalf("sandbox id = %q, want sb-1 preserved", sess.SandboxID)
	}
}

func TestParticipantsUpsertAndOnline(t *testing.T) {
	store := openStore(t)
	initSession(t, store)

	alice, err := store.UpsertParticipant(Participant{ID: "p-1", UserID: "alice", DisplayName: "Alice", Source: SourceWeb}, baseTime)
	if err != nil {
		t.Fatalf("UpsertParticipant: %v", err)
	}
	if _, err := store.UpsertParticipant(Participant{ID: "p-2", UserID: "bob", DisplayName: "Bob", Source: SourceDesktop}, baseTime.Add(time.Second)); err != nil {
		t.Fatalf("UpsertParticipant bob: %v", err)
	}

	// Rejoin keeps the original id and join time.
	rejoined, err := store.UpsertParticipant(Participant{ID: "p-new", UserID: "alice", DisplayName: "Alice A.", Source: SourceSlack}, baseTime.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("UpsertParticipant rejoin: %v", err)
	}
	if rejoined.ID != alice.ID || !rejoined.JoinedAt.Equal(alice.JoinedAt) {
		t.Fatalf("rejoin changed identity: %+v", rejoined)
	}
	if rejoined.DisplayName != "Alice A." || rejoined.Source != SourceSlack {
		t.Fatalf("rejoin did not refresh profile: %+v", rejoined)
	}

	list, err := store.ListParticipants(2*time.Minute, baseTime.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("ListParticipants: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if !list[0].IsOnline || list[0].UserID != "alice" {
		t.Fatalf("alice should be online: %+v", list[0])
	}
	if list[1].IsOnline {
		t.Fatalf("bob should be offline: %+v", list[1])
	}

	if err := store.TouchParticipant("p-2", baseTime.Add(10*time.Minute)); err != nil {
		t.Fatalf("TouchParticipant: %v", err)
	}
	if err := store.TouchParticipant("missing", baseTime); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound touching missing participant, got %v", err)
	}
}

func insertMessages(t *testing.T, store *Store, n int) []Message {
	t.Helper()
	out := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		m, err := store.InsertMessage(Message{
			ID:        fmt.Sprintf("msg-%03d", i),
			SessionID: "sess-1",
			Content:   fmt.Sprintf("prompt %d", i),
			Role:      RoleUser,
			Status:    MessagePending,
			CreatedAt: baseTime.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("InsertMessage %d: %v", i, err)
		}
		out = append(out, m)
	}
	return out
}

func TestListMessagesOrder(t *testing.T) {
	store := openStore(t)
	initSession(t, store)

	// A backwards clock must not reorder history.
	if _, err := store.InsertMessage(Message{ID: "a", Content: "first", Role: RoleUser, Status: MessagePending, CreatedAt: baseTime}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	second, err := store.InsertMessage(Message{ID: "b", Content: "second", Role: RoleUser, Status: MessagePending, CreatedAt: baseTime.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if second.CreatedAt.Before(baseTime) {
		t.Fatalf("createdAt went backwards: %v", second.CreatedAt)
	}

	insertMessages(t, store, 5)

	got, err := store.ListMessages(MessageFilter{}, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 7 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected order: %v", ids(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) || got[i].Seq <= got[i-1].Seq {
			t.Fatalf("messages out of order at %d: %v", i, ids(got))
		}
	}
}

func TestListMessagesFilterAndPage(t *testing.T) {
	store := openStore(t)
	initSession(t, store)
	insertMessages(t, store, 10)

	if err := store.UpdateMessageStatus("msg-002", MessageCompleted, baseTime); err != nil {
		t.Fatalf("UpdateMessageStatus: %v", err)
	}
	if err := store.UpdateMessageStatus("msg-missing", MessageCompleted, baseTime); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	page, err := store.ListMessages(MessageFilter{Status: MessagePending}, 3, 2)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	want := []string{"msg-003", "msg-004", "msg-005"}
	if fmt.Sprint(ids(page)) != fmt.Sprint(want) {
		t.Fatalf("page = %v, want %v", ids(page), want)
	}

	n, err := store.CountMessages(MessageFilter{Status: MessagePending})
	if err != nil || n != 9 {
		t.Fatalf("CountMessages = %d, %v; want 9", n, err)
	}

	done, err := store.GetMessage("msg-002")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if done.Status != MessageCompleted || done.CompletedAt == nil {
		t.Fatalf("completed message = %+v", done)
	}
	if done.Content != "prompt 2" {
		t.Fatalf("content changed: %q", done.Content)
	}
}

func TestRecentMessagesBounded(t *testing.T) {
	store := openStore(t)
	initSession(t, store)
	insertMessages(t, store, 150)

	recent, err := store.RecentMessages(100)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(recent) != 100 {
		t.Fatalf("len = %d, want 100", len(recent))
	}
	if recent[0].ID != "msg-050" || recent[99].ID != "msg-149" {
		t.Fatalf("window = %s..%s, want msg-050..msg-149", recent[0].ID, recent[99].ID)
	}
}

func TestFindMessageByRequestID(t *testing.T) {
	store := openStore(t)
	initSession(t, store)

	if _, err := store.InsertMessage(Message{ID: "m1", RequestID: "req-1", Content: "hi", Role: RoleUser, Status: MessagePending, CreatedAt: baseTime}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	// Empty request ids are not unique.
	for _, id := range []string{"m2", "m3"} {
		if _, err := store.InsertMessage(Message{ID: id, Content: "x", Role: RoleUser, Status: MessagePending, CreatedAt: baseTime}); err != nil {
			t.Fatalf("InsertMessage %s: %v", id, err)
		}
	}
	if _, err := store.InsertMessage(Message{ID: "m4", RequestID: "req-1", Content: "dup", Role: RoleUser, Status: MessagePending, CreatedAt: baseTime}); err == nil {
		t.Fatal("expected unique violation for duplicate request id")
	}

	m, err := store.FindMessageByRequestID("req-1")
	if err != nil {
		t.Fatalf("FindMessageByRequestID: %v", err)
	}
	if m.ID != "m1" {
		t.Fatalf("found %q, want m1", m.ID)
	}
	if _, err := store.FindMessageByRequestID(""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty request id, got %v", err)
	}
}

func TestEventsReplayExcludesHeartbeat(t *testing.T) {
	store := openStore(t)
	initSession(t, store)

	for i := 0; i < 600; i++ {
		typ := "token"
		if i%3 == 0 {
			typ = HeartbeatEventType
		}
		payload, _ := json.Marshal(map[string]int{"i": i})
		if _, err := store.InsertEvent(Event{
			ID:        fmt.Sprintf("ev-%03d", i),
			SessionID: "sess-1",
			MessageID: "msg-1",
			Type:      typ,
			Payload:   payload,
			CreatedAt: baseTime,
		}); err != nil {
			t.Fatalf("InsertEvent %d: %v", i, err)
		}
	}

	recent, err := store.RecentEvents(500)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(recent) != 400 {
		t.Fatalf("len = %d, want 400 non-heartbeat events", len(recent))
	}
	for i, e := range recent {
		if e.Type == HeartbeatEventType {
			t.Fatalf("heartbeat replayed at %d", i)
		}
		if i > 0 && e.Seq <= recent[i-1].Seq {
			t.Fatalf("events out of order at %d", i)
		}
	}

	tokens, err := store.ListEvents(EventFilter{Type: "token"}, 2, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(tokens) != 2 || tokens[0].ID != "ev-001" || tokens[1].ID != "ev-002" {
		t.Fatalf("tokens = %+v", tokens)
	}
	var body map[string]int
	if err := json.Unmarshal(tokens[0].Payload, &body); err != nil || body["i"] != 1 {
		t.Fatalf("payload = %s, err %v", tokens[0].Payload, err)
	}

	nonBeat, err := store.ListEvents(EventFilter{ExcludeTypes: []string{HeartbeatEventType}}, 0, 0)
	if err != nil || len(nonBeat) != 400 {
		t.Fatalf("ListEvents exclude = %d, %v", len(nonBeat), err)
	}
}

func TestInsertEventDefaultsPayload(t *testing.T) {
	store := openStore(t)
	initSession(t, store)

	e, err := store.InsertEvent(Event{ID: "ev-1", SessionID: "sess-1", Type: "git_sync", CreatedAt: baseTime})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if string(e.Payload) != "{}" {
		t.Fatalf("payload = %s, want {}", e.Payload)
	}
}

func TestSandboxConnectionEpoch(t *testing.T) {
	store := openStore(t)
	initSession(t, store)

	none, err := store.GetSandboxConnection("sess-1")
	if err != nil || none != nil {
		t.Fatalf("expected no sandbox record, got %+v, %v", none, err)
	}

	first, err := store.RecordSandboxConnection("sess-1", "sb-1", baseTime)
	if err != nil {
		t.Fatalf("RecordSandboxConnection: %v", err)
	}
	if first.Epoch != 1 {
		t.Fatalf("epoch = %d, want 1", first.Epoch)
	}

	// A stale disconnect is ignored once superseded.
	second, err := store.RecordSandboxConnection("sess-1", "sb-2", baseTime.Add(time.Second))
	if err != nil {
		t.Fatalf("RecordSandboxConnection: %v", err)
	}
	if second.Epoch != 2 || second.SandboxID != "sb-2" {
		t.Fatalf("second = %+v", second)
	}
	if err := store.MarkSandboxDisconnected("sess-1", first.Epoch, baseTime.Add(2*time.Second)); err != nil {
		t.Fatalf("MarkSandboxDisconnected: %v", err)
	}
	got, _ := store.GetSandboxConnection("sess-1")
	if got.DisconnectedAt != nil {
		t.Fatal("stale epoch should not mark the current sandbox disconnected")
	}

	if err := store.MarkSandboxDisconnected("sess-1", second.Epoch, baseTime.Add(3*time.Second)); err != nil {
		t.Fatalf("MarkSandboxDisconnected: %v", err)
	}
	got, _ = store.GetSandboxConnection("sess-1")
	if got.DisconnectedAt == nil {
		t.Fatal("expected disconnectedAt to be set")
	}
}

func TestGetSessionStateCounts(t *testing.T) {
	store := openStore(t)
	initSession(t, store)
	insertMessages(t, store, 3)
	if err := store.UpdateMessageStatus("msg-000", MessageProcessing, baseTime); err != nil {
		t.Fatalf("UpdateMessageStatus: %v", err)
	}
	if _, err := store.InsertEvent(Event{ID: "ev-1", SessionID: "sess-1", Type: "token", CreatedAt: baseTime}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if _, err := store.UpsertParticipant(Participant{ID: "p-1", UserID: "alice", Source: SourceWeb}, baseTime); err != nil {
		t.Fatalf("UpsertParticipant: %v", err)
	}

	state, err := store.GetSessionState(2*time.Minute, baseTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("GetSessionState: %v", err)
	}
	if state.MessageCount != 3 || state.PendingCount != 2 || state.EventCount != 1 {
		t.Fatalf("counts = %d/%d/%d, want 3/2/1", state.MessageCount, state.PendingCount, state.EventCount)
	}
	if len(state.Participants) != 1 || !state.Participants[0].IsOnline {
		t.Fatalf("participants = %+v", state.Participants)
	}
	if state.Session.ID != "sess-1" {
		t.Fatalf("session id = %q", state.Session.ID)
	}
}

func ids(messages []Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}
