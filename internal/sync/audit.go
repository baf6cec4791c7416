package sync

import (
	"encoding/json"
	"sync"

	"github.com/matheus3301/mxd/internal/guard"
	"github.com/matheus3301/mxd/internal/store"
	"go.uber.org/zap"
)

// AuditKeep is how many audit records survive a prune.
const AuditKeep = 10000

// AuditRecorder persists guard audit entries so the audit trail outlives the
// guard's in-memory window. Entries are written on the goroutine that ran the
// check.
type AuditRecorder struct {
	db      *store.DB
	guard   *guard.Guard
	logger  *zap.Logger
	off     func()
	mu      sync.Mutex
	written int
}

// NewAuditRecorder creates a recorder for g's audit entries.
func NewAuditRecorder(db *store.DB, g *guard.Guard, logger *zap.Logger) *AuditRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditRecorder{db: db, guard: g, logger: logger}
}

// Start registers the recorder with the guard.
func (a *AuditRecorder) Start() {
	a.off = a.guard.OnAudit(func(e guard.AuditEntry) {
		if err := a.Record(e); err != nil {
			a.logger.Error("failed to persist audit entry", zap.Error(err), zap.String("operation", e.Operation))
		}
	})
}

// Stop unregisters the recorder.
func (a *AuditRecorder) Stop() {
	if a.off != nil {
		a.off()
		a.off = nil
	}
}

// Record writes one entry, pruning old records every AuditKeep writes.
func (a *AuditRecorder) Record(e guard.AuditEntry) error {
	details := "{}"
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		details = string(raw)
	}
	if err := a.db.InsertAudit(&store.AuditRecord{
		Timestamp: e.Timestamp.UnixMilli(),
		Operation: e.Operation,
		SessionID: e.SessionID,
		Success:   e.Success,
		Details:   details,
	}); err != nil {
		return err
	}

	a.mu.Lock()
	a.written++
	prune := a.written%AuditKeep == 0
	a.mu.Unlock()
	if prune {
		n, err := a.db.PruneAudit(AuditKeep)
		if err != nil {
			return err
		}
		a.logger.Info("audit log pruned", zap.Int64("removed", n))
	}
	return nil
}
