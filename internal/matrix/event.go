package matrix

import (
	"encoding/json"

	"maunium.net/go/mautrix/event"
)

// Event types the pipeline understands.
const (
	EventMessage   = "m.room.message"
	EventEncrypted = "m.room.encrypted"
	EventReceipt   = "m.receipt"
)

// Event is the narrow view of a Matrix event the reliability pipeline reads.
// SDK events are converted at the boundary with FromMautrix so the core never
// depends on the SDK's types.
type Event struct {
	ID        string         `json:"event_id"`
	RoomID    string         `json:"room_id"`
	Sender    string         `json:"sender"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"origin_server_ts"`
	Content   map[string]any `json:"content"`
}

// FromMautrix adapts a mautrix event. Content is taken from the decoded Raw map
// when the SDK populated it, otherwise decoded from the raw JSON bytes.
func FromMautrix(evt *event.Event) *Event {
	if evt == nil {
		return nil
	}
	content := evt.Content.Raw
	if content == nil && len(evt.Content.VeryRaw) > 0 {
		_ = json.Unmarshal(evt.Content.VeryRaw, &content)
	}
	return &Event{
		ID:        string(evt.ID),
		RoomID:    string(evt.RoomID),
		Sender:    string(evt.Sender),
		Type:      evt.Type.Type,
		Timestamp: evt.Timestamp,
		Content:   content,
	}
}

// IsEncrypted reports whether the content carries an encrypted payload, i.e. both
// an algorithm and a ciphertext are present.
func (e *Event) IsEncrypted() bool {
	if e == nil || e.Content == nil {
		return false
	}
	return truthy(e.Content["algorithm"]) && truthy(e.Content["ciphertext"])
}

// Algorithm returns the content's encryption algorithm, if any.
func (e *Event) Algorithm() string {
	if e == nil {
		return ""
	}
	return stringField(e.Content, "algorithm")
}

// ContentJSON re-encodes the content object.
func (e *Event) ContentJSON() (string, error) {
	data, err := json.Marshal(e.Content)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	case float64:
		return x != 0
	default:
		return true
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func mapField(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	sub, _ := m[key].(map[string]any)
	return sub
}

func numberField(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch n := m[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}
