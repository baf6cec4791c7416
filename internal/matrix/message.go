package matrix

// MessageType classifies a parsed message for rendering.
type MessageType string

const (
	TypeText          MessageType = "text"
	TypeImage         MessageType = "image"
	TypeVideo         MessageType = "video"
	TypeVoice         MessageType = "voice"
	TypeFile          MessageType = "file"
	TypeLocation      MessageType = "location"
	TypeNotice        MessageType = "notice"
	TypeReply         MessageType = "reply"
	TypeEdit          MessageType = "edit"
	TypeReaction      MessageType = "reaction"
	TypeUndecryptable MessageType = "undecryptable"
)

// Placeholder texts shown instead of content that cannot be read.
const (
	EncryptedText     = "[Encrypted message]"
	UndecryptableText = "[Unable to decrypt encrypted message]"
)

// Body holds the type-specific fields of a message. Only the fields relevant to
// the message type are set.
type Body struct {
	Text     string   `json:"text,omitempty"`
	Mentions []string `json:"mentions,omitempty"`

	// Undecryptable placeholders.
	Reason    string `json:"reason,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`

	// Media and files.
	URL          string `json:"url,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
	Duration     int64  `json:"duration,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	FileName     string `json:"file_name,omitempty"`

	// Location.
	GeoURI      string  `json:"geo_uri,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	Description string  `json:"description,omitempty"`

	// Relations.
	ReplyEventID    string         `json:"reply_event_id,omitempty"`
	OriginalEventID string         `json:"original_event_id,omitempty"`
	NewContent      map[string]any `json:"new_content,omitempty"`
	ReactionKey     string         `json:"reaction_key,omitempty"`
	ReactsTo        string         `json:"reacts_to,omitempty"`
}

// Message is a parsed, render-ready message. Content keeps the event content
// exactly as received.
type Message struct {
	ID            string         `json:"id"`
	LocalID       string         `json:"local_id"`
	Type          MessageType    `json:"type"`
	Body          Body           `json:"body"`
	SendTime      int64          `json:"send_time"`
	Sender        string         `json:"sender"`
	RoomID        string         `json:"room_id"`
	Content       map[string]any `json:"content,omitempty"`
	Encrypted     bool           `json:"encrypted,omitempty"`
	Undecryptable bool           `json:"undecryptable,omitempty"`
}

// IsUndecryptable reports whether m is an undecryptable placeholder.
func (m *Message) IsUndecryptable() bool {
	return m != nil && m.Type == TypeUndecryptable
}
