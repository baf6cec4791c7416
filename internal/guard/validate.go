package guard

import (
	"fmt"
	"time"
)

// MaxEnvelopeAge is how old an outbound envelope may be.
const MaxEnvelopeAge = 24 * time.Hour

// SendEncryptionStatus is the caller's account of how an outbound message was
// encrypted.
type SendEncryptionStatus struct {
	Valid            bool
	EncryptedContent *Envelope
	Error            string
}

// SessionEncryptionStatus describes a session's encryption as reported by the
// crypto capability.
type SessionEncryptionStatus struct {
	Level         string `json:"level"`
	Encrypted     bool   `json:"encrypted"`
	Algorithm     string `json:"algorithm"`
	StrengthScore int    `json:"strength_score"`
	NeedsRotation bool   `json:"needs_rotation,omitempty"`
	KeyExpiresAt  int64  `json:"key_expires_at,omitempty"` // unix ms, 0 = never
}

// ValidateMessageBeforeSend checks that an outbound message is encrypted with
// an acceptable, fresh envelope. st may be nil when no encryption happened.
func (g *Guard) ValidateMessageBeforeSend(sessionID, content string, st *SendEncryptionStatus) (Result, error) {
	if v, bad := g.checkSend(sessionID, content, st); bad {
		return g.reject(OpSendValidation, sessionID, "", v)
	}
	g.record(OpSendValidation, true, sessionID, nil)
	return Result{Valid: true}, nil
}

func (g *Guard) checkSend(sessionID, content string, st *SendEncryptionStatus) (violation, bool) {
	if sessionID == "" {
		return violation{code: CodeInvalidSessionID, msg: "Invalid session ID"}, true
	}
	if content == "" {
		return violation{code: CodeInvalidContent, msg: "Message content is required and must be a string"}, true
	}

	cfg := g.Config()
	if cfg.MandatoryEncryption && (st == nil || !st.Valid) {
		msg := "Message encryption validation failed"
		if st != nil && st.Error != "" {
			msg = st.Error
		}
		return violation{
			code:    CodeEncryptionRequired,
			msg:     msg,
			errMsg:  "Mandatory E2EE: " + msg,
			warning: WarningEncryptionValidationFailed,
		}, true
	}

	if st == nil || !st.Valid || st.EncryptedContent == nil {
		return violation{}, false
	}
	env := st.EncryptedContent
	if env.Algorithm != AlgorithmAESGCM256 {
		return violation{
			code:    CodeWeakEncryption,
			msg:     fmt.Sprintf("Unsupported encryption algorithm: %s", env.Algorithm),
			details: map[string]any{"algorithm": env.Algorithm},
		}, true
	}
	now := g.now().UnixMilli()
	if env.Timestamp > now {
		return violation{
			code:    CodeInvalidTimestamp,
			msg:     "Encryption timestamp is in the future",
			details: map[string]any{"timestamp": env.Timestamp},
		}, true
	}
	if now-env.Timestamp > MaxEnvelopeAge.Milliseconds() {
		return violation{
			code:    CodeStaleEncryption,
			msg:     "Encryption timestamp is too old",
			details: map[string]any{"timestamp": env.Timestamp},
		}, true
	}
	if env.KeyID == "" {
		return violation{code: CodeInvalidKeyID, msg: "Missing or invalid key_id in encrypted content"}, true
	}
	return violation{}, false
}

// ValidateReceivedMessage checks that inbound content is an encrypted
// envelope when the policy requires it.
func (g *Guard) ValidateReceivedMessage(sessionID, content, messageID string) (Result, error) {
	if sessionID == "" {
		return g.reject(OpReceiveValidation, sessionID, messageID,
			violation{code: CodeInvalidSessionID, msg: "Invalid session ID"})
	}
	if content == "" {
		return g.reject(OpReceiveValidation, sessionID, messageID,
			violation{code: CodeInvalidContent, msg: "Message content is required and must be a string"})
	}

	encrypted := IsEnvelope(content)
	cfg := g.Config()
	if cfg.MandatoryEncryption && cfg.RejectUnencryptedMessages && !encrypted {
		return g.reject(OpReceiveValidation, sessionID, messageID, violation{
			code:    CodeUnencryptedMessageRejected,
			msg:     "Received unencrypted message in mandatory E2EE mode",
			warning: WarningUnencryptedMessage,
		})
	}

	g.record(OpReceiveValidation, true, sessionID, map[string]any{
		"message_id":   messageID,
		"is_encrypted": encrypted,
	})
	return Result{Valid: true}, nil
}

// ValidateSessionEncryption checks a session's encryption level, strength and
// key lifetime.
func (g *Guard) ValidateSessionEncryption(sessionID string, st SessionEncryptionStatus) (Result, error) {
	cfg := g.Config()
	switch {
	case cfg.MandatoryEncryption && !st.Encrypted:
		return g.reject(OpSessionValidation, sessionID, "", violation{
			code:    CodeSessionNotEncrypted,
			msg:     "Session is not encrypted",
			warning: WarningWeakEncryption,
		})
	case cfg.VerifyEncryptionStrength && st.StrengthScore < cfg.MinEncryptionStrength:
		return g.reject(OpSessionValidation, sessionID, "", violation{
			code: CodeWeakEncryption,
			msg: fmt.Sprintf("Encryption strength score %d is below minimum %d",
				st.StrengthScore, cfg.MinEncryptionStrength),
			details: map[string]any{"strength_score": st.StrengthScore},
		})
	case st.NeedsRotation:
		return g.reject(OpSessionValidation, sessionID, "", violation{
			code:    CodeKeyRotationRequired,
			msg:     "Session key needs rotation",
			warning: WarningKeyRotationFailed,
			details: map[string]any{"needs_rotation": true},
		})
	case st.KeyExpiresAt != 0 && st.KeyExpiresAt < g.now().UnixMilli():
		return g.reject(OpSessionValidation, sessionID, "", violation{
			code:    CodeKeyExpired,
			msg:     "Session key has expired",
			warning: WarningKeyExpired,
			details: map[string]any{"key_expires_at": st.KeyExpiresAt},
		})
	}

	g.record(OpSessionValidation, true, sessionID, map[string]any{
		"level":          st.Level,
		"algorithm":      st.Algorithm,
		"strength_score": st.StrengthScore,
	})
	return Result{Valid: true}, nil
}
