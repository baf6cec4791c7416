package store

// Room represents a joined Matrix room.
type Room struct {
	RoomID             string
	Name               string
	Encrypted          bool
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is the stored view of a room message and its delivery status.
type Message struct {
	ID            int64
	RoomID        string
	EventID       string
	LocalID       string
	Sender        string
	Body          string
	MsgType       string
	Status        string
	FromMe        bool
	Encrypted     bool
	Undecryptable bool
	Timestamp     int64
	ReadAt        int64
}

// Outbox statuses. Rejected entries were refused by the encryption policy
// and are never retried.
const (
	OutboxQueued   = "queued"
	OutboxSending  = "sending"
	OutboxSent     = "sent"
	OutboxFailed   = "failed"
	OutboxRejected = "rejected"
)

// OutboxEntry represents an outgoing message.
type OutboxEntry struct {
	ID           int64
	LocalID      string
	RoomID       string
	Body         string
	Status       string // queued, sending, sent, failed, rejected
	RetryCount   int
	ErrorMessage string
	EventID      string
	CreatedAt    int64
}

// AuditRecord is a persisted guard audit entry.
type AuditRecord struct {
	ID        int64
	Timestamp int64
	Operation string
	SessionID string
	Success   bool
	Details   string // JSON object
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
