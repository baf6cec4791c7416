// Package guard enforces the mandatory end-to-end encryption policy on
// outbound messages, inbound messages and sessions.
package guard

import (
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/mxd/internal/bus"
	"go.uber.org/zap"
)

// MaxAuditEntries bounds the in-memory audit trail.
const MaxAuditEntries = 1000

// Audit operations.
const (
	OpSendValidation    = "send_validation"
	OpReceiveValidation = "receive_validation"
	OpSessionValidation = "session_validation"
)

// WarningType classifies a security warning.
type WarningType string

const (
	WarningEncryptionValidationFailed WarningType = "encryption_validation_failed"
	WarningUnencryptedMessage         WarningType = "unencrypted_message"
	WarningWeakEncryption             WarningType = "weak_encryption"
	WarningKeyRotationFailed          WarningType = "key_rotation_failed"
	WarningKeyExpired                 WarningType = "key_expired"
)

// Config is the guard policy.
type Config struct {
	MandatoryEncryption       bool `toml:"mandatory_encryption"`
	RejectUnencryptedMessages bool `toml:"reject_unencrypted_messages"`
	VerifyEncryptionStrength  bool `toml:"verify_encryption_strength"`
	MinEncryptionStrength     int  `toml:"min_encryption_strength"`
	EnableAuditLog            bool `toml:"enable_audit_log"`
	ThrowOnError              bool `toml:"throw_on_error"`
}

// DefaultConfig returns the strictest policy.
func DefaultConfig() Config {
	return Config{
		MandatoryEncryption:       true,
		RejectUnencryptedMessages: true,
		VerifyEncryptionStrength:  true,
		MinEncryptionStrength:     80,
		EnableAuditLog:            true,
		ThrowOnError:              true,
	}
}

// Result is the outcome of a check.
type Result struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// AuditEntry records one check.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Operation string         `json:"operation"`
	Success   bool           `json:"success"`
	SessionID string         `json:"session_id"`
	Details   map[string]any `json:"details,omitempty"`
}

// Warning is published on the bus as security.warning.
type Warning struct {
	Type      WarningType    `json:"type"`
	SessionID string         `json:"session_id"`
	MessageID string         `json:"message_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Guard evaluates encryption status supplied by callers against its Config.
type Guard struct {
	mu       sync.Mutex
	cfg      Config
	audit    []AuditEntry
	sinks    map[int]func(AuditEntry)
	nextSink int
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a guard.
func New(cfg Config, b *bus.Bus, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{cfg: cfg, sinks: make(map[int]func(AuditEntry)), bus: b, logger: logger, now: time.Now}
}

// OnAudit registers fn to receive every audit entry synchronously, on the
// goroutine that ran the check. Unlike the guard.audit bus event, entries are
// never dropped. It returns a function that removes fn.
func (g *Guard) OnAudit(fn func(AuditEntry)) (off func()) {
	g.mu.Lock()
	id := g.nextSink
	g.nextSink++
	g.sinks[id] = fn
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		delete(g.sinks, id)
		g.mu.Unlock()
	}
}

// Config returns a copy of the current policy.
func (g *Guard) Config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// UpdateConfig applies fn to the policy.
func (g *Guard) UpdateConfig(fn func(*Config)) {
	g.mu.Lock()
	fn(&g.cfg)
	cfg := g.cfg
	g.mu.Unlock()
	g.logger.Info("guard configuration updated", zap.Any("config", cfg))
}

// AuditLog returns audit entries, filtered to sessionID when non-empty.
func (g *Guard) AuditLog(sessionID string) []AuditEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]AuditEntry, 0, len(g.audit))
	for _, e := range g.audit {
		if sessionID == "" || e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// ClearAuditLog removes entries for sessionID, or all entries when empty.
func (g *Guard) ClearAuditLog(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sessionID == "" {
		g.audit = nil
		return
	}
	kept := g.audit[:0]
	for _, e := range g.audit {
		if e.SessionID != sessionID {
			kept = append(kept, e)
		}
	}
	clear(g.audit[len(kept):])
	g.audit = kept
}

// Reset drops the audit trail.
func (g *Guard) Reset() {
	g.mu.Lock()
	g.audit = nil
	g.mu.Unlock()
	g.logger.Info("guard reset")
}

func (g *Guard) record(op string, success bool, sessionID string, details map[string]any) {
	g.mu.Lock()
	if !g.cfg.EnableAuditLog {
		g.mu.Unlock()
		return
	}
	entry := AuditEntry{
		Timestamp: g.now(),
		Operation: op,
		Success:   success,
		SessionID: sessionID,
		Details:   details,
	}
	g.audit = append(g.audit, entry)
	if len(g.audit) > MaxAuditEntries {
		g.audit[0] = AuditEntry{}
		g.audit = g.audit[1:]
	}
	ids := make([]int, 0, len(g.sinks))
	for id := range g.sinks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	sinks := make([]func(AuditEntry), 0, len(ids))
	for _, id := range ids {
		sinks = append(sinks, g.sinks[id])
	}
	g.mu.Unlock()

	for _, fn := range sinks {
		g.deliver(fn, entry)
	}

	g.logger.Debug("audit",
		zap.String("operation", op),
		zap.Bool("success", success),
		zap.String("session_id", sessionID),
	)
	g.bus.Emit(bus.KindAudit, entry)
}

func (g *Guard) deliver(fn func(AuditEntry), e AuditEntry) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("audit sink panicked", zap.Any("panic", r), zap.String("operation", e.Operation))
		}
	}()
	fn(e)
}

func (g *Guard) warn(w Warning) {
	w.Timestamp = g.now()
	g.logger.Warn("security warning",
		zap.String("type", string(w.Type)),
		zap.String("session_id", w.SessionID),
		zap.String("message_id", w.MessageID),
	)
	g.bus.Emit(bus.KindSecurityWarning, w)
}

// reject records v and converts it to the configured failure mode.
func (g *Guard) reject(op, sessionID, messageID string, v violation) (Result, error) {
	details := map[string]any{"error": v.msg}
	if messageID != "" {
		details["message_id"] = messageID
	}
	for k, val := range v.details {
		details[k] = val
	}
	g.record(op, false, sessionID, details)

	if v.warning != "" {
		wd := map[string]any{"error": v.msg}
		if op == OpSendValidation {
			wd["operation"] = "send"
		}
		g.warn(Warning{Type: v.warning, SessionID: sessionID, MessageID: messageID, Details: wd})
	}

	res := Result{Valid: false, Error: v.msg}
	if g.Config().ThrowOnError {
		return res, &Error{Code: v.code, Message: v.message(), SessionID: sessionID, MessageID: messageID}
	}
	return res, nil
}
