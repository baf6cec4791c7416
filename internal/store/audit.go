package store

import "fmt"

// InsertAudit appends a guard audit record.
func (db *DB) InsertAudit(r *AuditRecord) error {
	details := r.Details
	if details == "" {
		details = "{}"
	}
	_, err := db.Exec(`
		INSERT INTO audit_log (timestamp, operation, session_id, success, details)
		VALUES (?, ?, ?, ?, ?)`,
		r.Timestamp, r.Operation, r.SessionID, r.Success, details)
	return err
}

// ListAudit returns the newest audit records first, filtered to sessionID
// when non-empty.
func (db *DB) ListAudit(sessionID string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, timestamp, operation, session_id, success, details FROM audit_log`
	args := []any{}
	if sessionID != "" {
		q += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Operation, &r.SessionID, &r.Success, &r.Details); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneAudit keeps only the newest keep records.
func (db *DB) PruneAudit(keep int) (int64, error) {
	res, err := db.Exec(`
		DELETE FROM audit_log WHERE id NOT IN (
			SELECT id FROM audit_log ORDER BY timestamp DESC, id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune audit: %w", err)
	}
	return res.RowsAffected()
}
