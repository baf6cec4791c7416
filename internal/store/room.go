package store

import (
	"database/sql"
	"time"
)

// UpsertRoom inserts or updates a room record. Empty names do not overwrite
// a known name, and the last-message fields only move forward.
func (db *DB) UpsertRoom(r *Room) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO rooms (room_id, name, encrypted, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE rooms.name END,
			encrypted = MAX(rooms.encrypted, excluded.encrypted),
			last_message_preview = CASE WHEN excluded.last_message_at >= rooms.last_message_at THEN excluded.last_message_preview ELSE rooms.last_message_preview END,
			last_message_at = MAX(rooms.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		r.RoomID, r.Name, r.Encrypted, r.LastMessageAt, r.LastMessagePreview, now)
	return err
}

// ListRooms returns rooms sorted by last message timestamp descending.
func (db *DB) ListRooms(limit, offset int) ([]Room, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT room_id, COALESCE(NULLIF(name,''), room_id), encrypted, last_message_at, last_message_preview
		FROM rooms
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.RoomID, &r.Name, &r.Encrypted, &r.LastMessageAt, &r.LastMessagePreview); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// GetRoom returns a single room, or nil if unknown.
func (db *DB) GetRoom(roomID string) (*Room, error) {
	var r Room
	err := db.QueryRow(`
		SELECT room_id, COALESCE(NULLIF(name,''), room_id), encrypted, last_message_at, last_message_preview
		FROM rooms WHERE room_id = ?`, roomID).
		Scan(&r.RoomID, &r.Name, &r.Encrypted, &r.LastMessageAt, &r.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RoomCount returns the total number of rooms.
func (db *DB) RoomCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM rooms`).Scan(&count)
	return count, err
}
