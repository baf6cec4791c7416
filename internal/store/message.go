package store

import (
	"database/sql"
	"time"
)

const messageColumns = `id, room_id, event_id, local_id, sender, body, msg_type, status, from_me, encrypted, undecryptable, timestamp, read_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var m Message
	err := s.Scan(&m.ID, &m.RoomID, &m.EventID, &m.LocalID, &m.Sender, &m.Body, &m.MsgType,
		&m.Status, &m.FromMe, &m.Encrypted, &m.Undecryptable, &m.Timestamp, &m.ReadAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMessage inserts or updates a message (idempotent on local_id).
// An existing event_id is never cleared by a later upsert without one.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (room_id, event_id, local_id, sender, body, msg_type, status, from_me, encrypted, undecryptable, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			event_id = CASE WHEN excluded.event_id != '' THEN excluded.event_id ELSE messages.event_id END,
			sender = excluded.sender,
			body = excluded.body,
			msg_type = excluded.msg_type,
			status = excluded.status,
			encrypted = excluded.encrypted,
			undecryptable = excluded.undecryptable`,
		m.RoomID, m.EventID, m.LocalID, m.Sender, m.Body, m.MsgType, m.Status, m.FromMe,
		m.Encrypted, m.Undecryptable, m.Timestamp, now)
	return err
}

// UpdateMessageStatus sets the status of the message with localID.
func (db *DB) UpdateMessageStatus(localID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE local_id = ?`, status, localID)
	return err
}

// SetMessageEventID records the server event ID of a sent message.
func (db *DB) SetMessageEventID(localID, eventID string) error {
	_, err := db.Exec(`UPDATE messages SET event_id = ? WHERE local_id = ?`, eventID, localID)
	return err
}

// MarkMessageRead records when a message was read.
func (db *DB) MarkMessageRead(localID string, readAt int64) error {
	_, err := db.Exec(`UPDATE messages SET read_at = ? WHERE local_id = ? AND read_at = 0`, readAt, localID)
	return err
}

// GetMessage returns a message by local ID, or nil if unknown.
func (db *DB) GetMessage(localID string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE local_id = ?`, localID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// GetMessageByEventID returns a message by server event ID, or nil if unknown.
func (db *DB) GetMessageByEventID(eventID string) (*Message, error) {
	if eventID == "" {
		return nil, nil
	}
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE event_id = ? LIMIT 1`, eventID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ClaimOwnEcho links eventID to the oldest message this client sent to roomID
// with the same body that is still waiting for its send acknowledgement. It
// returns the claimed message, or nil when none matches.
func (db *DB) ClaimOwnEcho(roomID, body, eventID string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE room_id = ? AND body = ? AND from_me = 1 AND event_id = ''
			AND status IN ('PENDING', 'SENDING')
		ORDER BY timestamp ASC
		LIMIT 1`, roomID, body))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res, err := db.Exec(`UPDATE messages SET event_id = ? WHERE local_id = ? AND event_id = ''`, eventID, m.LocalID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Acked in between; the caller's event-ID lookup will find it.
		return db.GetMessageByEventID(eventID)
	}
	m.EventID = eventID
	return m, nil
}

// ListMessages returns messages for a room using keyset pagination by timestamp.
func (db *DB) ListMessages(roomID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE room_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, roomID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
