package guard

import (
	"encoding/json"
	"fmt"
)

// AlgorithmAESGCM256 is the only envelope algorithm the guard accepts.
const AlgorithmAESGCM256 = "aes-gcm-256"

// Envelope is the wire form of an encrypted message payload.
type Envelope struct {
	Algorithm  string `json:"algorithm"`
	KeyID      string `json:"key_id"`
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
	Timestamp  int64  `json:"timestamp"` // unix ms
}

// JSON encodes e as the string carried in message content.
func (e Envelope) JSON() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

// Map returns e as a generic content object.
func (e Envelope) Map() map[string]any {
	return map[string]any{
		"algorithm":  e.Algorithm,
		"key_id":     e.KeyID,
		"ciphertext": e.Ciphertext,
		"iv":         e.IV,
		"tag":        e.Tag,
		"timestamp":  e.Timestamp,
	}
}

// ParseEnvelope decodes content as an envelope without validating its shape.
func ParseEnvelope(content string) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(content), &e); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	return e, nil
}

// IsEnvelope reports whether content is a JSON object with the exact envelope
// shape: the aes-gcm-256 algorithm, string key_id, ciphertext, iv and tag, and
// a numeric timestamp.
func IsEnvelope(content string) bool {
	var m map[string]any
	if err := json.Unmarshal([]byte(content), &m); err != nil || m == nil {
		return false
	}
	if alg, _ := m["algorithm"].(string); alg != AlgorithmAESGCM256 {
		return false
	}
	for _, k := range []string{"key_id", "ciphertext", "iv", "tag"} {
		if _, ok := m[k].(string); !ok {
			return false
		}
	}
	_, ok := m["timestamp"].(float64)
	return ok
}
