package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenRecordsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mxd.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + receipts)", result.Version)
	}
	if result.Dirty {
		t.Error("migration left database dirty")
	}
}

// TestMigrateSchemaHasRequiredColumns verifies the migration creates all
// columns the pipeline writes.
func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert room", "INSERT INTO rooms (room_id, name, encrypted, last_message_at, last_message_preview) VALUES (?, ?, ?, ?, ?)", []any{"!r:hs", "Room", true, 1000, "hi"}},
		{"insert message", "INSERT INTO messages (room_id, event_id, local_id, sender, body, msg_type, status, from_me, encrypted, undecryptable, timestamp, read_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", []any{"!r:hs", "$e", "l1", "@a:hs", "hello", "text", "SENT", false, true, false, 1000, 0}},
		{"queue outbox", "INSERT INTO outbox (local_id, room_id, body, status, retry_count, error_message, event_id) VALUES (?, ?, ?, ?, ?, ?, ?)", []any{"cid", "!r:hs", "text", "queued", 0, "", ""}},
		{"insert audit", "INSERT INTO audit_log (timestamp, operation, session_id, success, details) VALUES (?, ?, ?, ?, ?)", []any{1, "send_validation", "!r:hs", true, "{}"}},
		{"set sync state", "INSERT INTO sync_state (key, value) VALUES (?, ?)", []any{"k", "v"}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}
}

func TestRoomUpsertAndList(t *testing.T) {
	db := testDB(t)

	room := &Room{RoomID: "!a:hs", Name: "Alpha", LastMessageAt: 1000, LastMessagePreview: "hello"}
	if err := db.UpsertRoom(room); err != nil {
		t.Fatal(err)
	}
	// Older activity without a name must not clobber either field.
	if err := db.UpsertRoom(&Room{RoomID: "!a:hs", LastMessageAt: 500, LastMessagePreview: "old"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertRoom(&Room{RoomID: "!b:hs", LastMessageAt: 2000}); err != nil {
		t.Fatal(err)
	}

	rooms, err := db.ListRooms(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 {
		t.Fatalf("got %d rooms, want 2", len(rooms))
	}
	if rooms[0].RoomID != "!b:hs" || rooms[0].Name != "!b:hs" {
		t.Errorf("first room = %+v, want !b:hs named by its ID", rooms[0])
	}
	if rooms[1].Name != "Alpha" || rooms[1].LastMessagePreview != "hello" || rooms[1].LastMessageAt != 1000 {
		t.Errorf("second room = %+v", rooms[1])
	}

	missing, err := db.GetRoom("!nope:hs")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing room")
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{RoomID: "!r", LocalID: "l1", Body: "hello", MsgType: "text", Status: "SENDING", FromMe: true, Timestamp: 1000}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Body = "hello updated"
	msg.Status = "SENT"
	msg.EventID = "$srv"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	// A later upsert without an event ID keeps the known one.
	msg.EventID = ""
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("!r", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	got := msgs[0]
	if got.Body != "hello updated" || got.Status != "SENT" || got.EventID != "$srv" || !got.FromMe {
		t.Errorf("got %+v", got)
	}

	byEvent, err := db.GetMessageByEventID("$srv")
	if err != nil {
		t.Fatal(err)
	}
	if byEvent == nil || byEvent.LocalID != "l1" {
		t.Errorf("GetMessageByEventID = %+v, want l1", byEvent)
	}
}

func TestMessageStatusAndRead(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertMessage(&Message{RoomID: "!r", LocalID: "l1", Status: "SENT", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}

	if err := db.UpdateMessageStatus("l1", "READ"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageRead("l1", 42); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageRead("l1", 99); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage("l1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != "READ" || m.ReadAt != 42 {
		t.Errorf("got status=%s read_at=%d, want READ 42", m.Status, m.ReadAt)
	}

	missing, err := db.GetMessage("nope")
	if err != nil || missing != nil {
		t.Errorf("GetMessage(nope) = %v, %v", missing, err)
	}
}

func TestClaimOwnEcho(t *testing.T) {
	db := testDB(t)
	for _, m := range []Message{
		{RoomID: "!r", LocalID: "sent", Body: "hi", Status: "SENT", FromMe: true, Timestamp: 1},
		{RoomID: "!r", LocalID: "theirs", Body: "hi", Status: "DELIVERED", Timestamp: 2},
		{RoomID: "!r", LocalID: "first", Body: "hi", Status: "SENDING", FromMe: true, Timestamp: 3},
		{RoomID: "!r", LocalID: "second", Body: "hi", Status: "PENDING", FromMe: true, Timestamp: 4},
	} {
		if err := db.UpsertMessage(&m); err != nil {
			t.Fatal(err)
		}
	}

	m, err := db.ClaimOwnEcho("!r", "hi", "$e1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.LocalID != "first" || m.EventID != "$e1" {
		t.Fatalf("first claim = %+v, want oldest pending row", m)
	}

	m, err = db.ClaimOwnEcho("!r", "hi", "$e2")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.LocalID != "second" {
		t.Fatalf("second claim = %+v, want next pending row", m)
	}

	for _, c := range []struct{ room, body string }{{"!r", "hi"}, {"!other", "hi"}, {"!r", "bye"}} {
		m, err = db.ClaimOwnEcho(c.room, c.body, "$e3")
		if err != nil || m != nil {
			t.Errorf("ClaimOwnEcho(%s, %s) = %v, %v, want nil", c.room, c.body, m, err)
		}
	}

	got, err := db.GetMessageByEventID("$e1")
	if err != nil || got == nil || got.LocalID != "first" {
		t.Errorf("GetMessageByEventID($e1) = %v, %v", got, err)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	seed := []*Message{
		{RoomID: "!r", LocalID: "m1", Body: "Hello world", Timestamp: 1000},
		{RoomID: "!r", LocalID: "m2", Body: "goodbye world", Timestamp: 2000},
		{RoomID: "!r", LocalID: "m3", Body: "hello from the void", Undecryptable: true, Timestamp: 3000},
	}
	for _, m := range seed {
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	results, err := db.SearchMessages("hello", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Message.LocalID != "m1" {
		t.Errorf("local_id = %q, want m1", results[0].Message.LocalID)
	}
	if results[0].Snippet != "<<Hello>> world" {
		t.Errorf("snippet = %q", results[0].Snippet)
	}

	results, err = db.SearchMessages("world", "!other", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("room filter ignored: got %d results", len(results))
	}
}

func TestOutbox(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox("client1", "!r", "test msg"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}
	if pending[0].LocalID != "client1" {
		t.Errorf("local_id = %q, want client1", pending[0].LocalID)
	}

	if err := db.MarkOutboxSending("client1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("client1", "timeout"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetOutboxRetryCount("client1", 2); err != nil {
		t.Fatal(err)
	}
	failed, err := db.FailedOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ErrorMessage != "timeout" || failed[0].RetryCount != 2 {
		t.Fatalf("failed = %+v", failed)
	}

	if err := db.MarkOutboxSent("client1", "$server1"); err != nil {
		t.Fatal(err)
	}
	pending, err = db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending after sent, want 0", len(pending))
	}
	e, err := db.GetOutboxByEventID("$server1")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Status != OutboxSent || e.ErrorMessage != "" {
		t.Errorf("entry = %+v", e)
	}
}

func TestRequeueSending(t *testing.T) {
	db := testDB(t)
	for _, id := range []string{"a", "b"} {
		if err := db.QueueOutbox(id, "!r", "x"); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.MarkOutboxSending("a"); err != nil {
		t.Fatal(err)
	}

	n, err := db.RequeueSending()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("requeued %d, want 1", n)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 2 {
		t.Errorf("got %d pending, want 2", len(pending))
	}
}

func TestAuditLog(t *testing.T) {
	db := testDB(t)
	records := []AuditRecord{
		{Timestamp: 1, Operation: "send_validation", SessionID: "!a", Success: true},
		{Timestamp: 2, Operation: "receive_validation", SessionID: "!b", Success: false, Details: `{"error":"x"}`},
		{Timestamp: 3, Operation: "session_validation", SessionID: "!a", Success: true},
	}
	for i := range records {
		if err := db.InsertAudit(&records[i]); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.ListAudit("!a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Operation != "session_validation" || got[1].Details != "{}" {
		t.Errorf("ListAudit(!a) = %+v", got)
	}

	n, err := db.PruneAudit(1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	all, _ := db.ListAudit("", 0)
	if len(all) != 1 || all[0].Timestamp != 3 {
		t.Errorf("after prune = %+v", all)
	}
}

func TestSyncState(t *testing.T) {
	db := testDB(t)

	v, err := db.GetSyncState("next_batch")
	if err != nil || v != "" {
		t.Fatalf("unset key = %q, %v", v, err)
	}
	if err := db.SetSyncState("next_batch", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSyncState("next_batch", "s2"); err != nil {
		t.Fatal(err)
	}
	v, err = db.GetSyncState("next_batch")
	if err != nil || v != "s2" {
		t.Errorf("got %q, %v, want s2", v, err)
	}
}
