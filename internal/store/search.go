package store

import "strings"

// SearchMessages finds messages whose body contains query (case-insensitive),
// newest first. Undecryptable messages are never matched.
func (db *DB) SearchMessages(query string, roomID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE undecryptable = 0 AND instr(lower(body), lower(?)) > 0`
	args := []any{query}
	if roomID != "" {
		q += " AND room_id = ?"
		args = append(args, roomID)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Message: *m, Snippet: snippet(m.Body, query, 32)})
	}
	return results, rows.Err()
}

// snippet marks the first match of query in body with << >>, keeping up to
// width runes of context on each side.
func snippet(body, query string, width int) string {
	lb := []rune(strings.ToLower(body))
	lq := []rune(strings.ToLower(query))
	idx := runeIndex(lb, lq)
	if idx < 0 {
		return body
	}
	rb := []rune(body)
	if len(rb) != len(lb) {
		return body
	}
	start := max(idx-width, 0)
	end := min(idx+len(lq)+width, len(rb))

	var sb strings.Builder
	if start > 0 {
		sb.WriteString("...")
	}
	sb.WriteString(string(rb[start:idx]))
	sb.WriteString("<<")
	sb.WriteString(string(rb[idx : idx+len(lq)]))
	sb.WriteString(">>")
	sb.WriteString(string(rb[idx+len(lq) : end]))
	if end < len(rb) {
		sb.WriteString("...")
	}
	return sb.String()
}

func runeIndex(s, sub []rune) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		match := true
		for j := range sub {
			if s[i+j] != sub[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
