package store

import (
	"database/sql"
	"time"
)

const outboxColumns = `id, local_id, room_id, body, status, retry_count, error_message, event_id, created_at`

func scanOutbox(s scanner) (*OutboxEntry, error) {
	var e OutboxEntry
	if err := s.Scan(&e.ID, &e.LocalID, &e.RoomID, &e.Body, &e.Status, &e.RetryCount, &e.ErrorMessage, &e.EventID, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(localID, roomID, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (local_id, room_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)`,
		localID, roomID, body, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(localID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE local_id = ?`, now, localID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server event ID.
func (db *DB) MarkOutboxSent(localID, eventID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', event_id = ?, error_message = '', updated_at = ? WHERE local_id = ?`, eventID, now, localID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(localID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE local_id = ?`, errMsg, now, localID)
	return err
}

// MarkOutboxRejected marks an entry as refused by policy.
func (db *DB) MarkOutboxRejected(localID, reason string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'rejected', error_message = ?, updated_at = ? WHERE local_id = ?`, reason, now, localID)
	return err
}

// SetOutboxRetryCount records how many retries an entry has used.
func (db *DB) SetOutboxRetryCount(localID string, n int) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET retry_count = ?, updated_at = ? WHERE local_id = ?`, n, now, localID)
	return err
}

// GetOutbox returns an outbox entry by local ID, or nil if unknown.
func (db *DB) GetOutbox(localID string) (*OutboxEntry, error) {
	e, err := scanOutbox(db.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE local_id = ?`, localID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetOutboxByEventID returns the outbox entry that produced eventID, or nil.
func (db *DB) GetOutboxByEventID(eventID string) (*OutboxEntry, error) {
	if eventID == "" {
		return nil, nil
	}
	e, err := scanOutbox(db.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE event_id = ?`, eventID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// PendingOutbox returns outbox entries that are still queued.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	return db.outboxByStatus(OutboxQueued)
}

// FailedOutbox returns outbox entries whose last attempt failed.
func (db *DB) FailedOutbox() ([]OutboxEntry, error) {
	return db.outboxByStatus(OutboxFailed)
}

func (db *DB) outboxByStatus(status string) ([]OutboxEntry, error) {
	rows, err := db.Query(`SELECT `+outboxColumns+` FROM outbox WHERE status = ? ORDER BY created_at ASC, id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// RequeueSending resets entries left in 'sending' by a crash back to 'queued'.
func (db *DB) RequeueSending() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
