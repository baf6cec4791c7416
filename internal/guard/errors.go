package guard

import "fmt"

// Code identifies a policy violation.
type Code string

const (
	CodeInvalidSessionID           Code = "INVALID_SESSION_ID"
	CodeInvalidContent             Code = "INVALID_CONTENT"
	CodeEncryptionRequired         Code = "ENCRYPTION_REQUIRED"
	CodeWeakEncryption             Code = "WEAK_ENCRYPTION"
	CodeInvalidTimestamp           Code = "INVALID_TIMESTAMP"
	CodeStaleEncryption            Code = "STALE_ENCRYPTION"
	CodeInvalidKeyID               Code = "INVALID_KEY_ID"
	CodeUnencryptedMessageRejected Code = "UNENCRYPTED_MESSAGE_REJECTED"
	CodeSessionNotEncrypted        Code = "SESSION_NOT_ENCRYPTED"
	CodeKeyRotationRequired        Code = "KEY_ROTATION_REQUIRED"
	CodeKeyExpired                 Code = "KEY_EXPIRED"
)

// Error is returned for policy violations when Config.ThrowOnError is set.
// Use errors.As to inspect the code.
type Error struct {
	Code      Code
	Message   string
	SessionID string
	MessageID string
}

func (e *Error) Error() string {
	return fmt.Sprintf("e2ee guard: %s: %s", e.Code, e.Message)
}

// violation is the single internal form of a failed check.
type violation struct {
	code    Code
	msg     string // returned in Result.Error
	errMsg  string // Error.Message, when it differs from msg
	warning WarningType
	details map[string]any
}

func (v violation) message() string {
	if v.errMsg != "" {
		return v.errMsg
	}
	return v.msg
}
