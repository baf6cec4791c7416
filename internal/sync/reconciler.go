package sync

import (
	"context"

	"github.com/matheus3301/mxd/internal/store"
	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

var _ mautrix.SyncStore = (*Reconciler)(nil)

// Reconciler manages sync checkpoints. It doubles as the client's
// mautrix.SyncStore so /sync resumes from the last persisted batch token.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(key, value string) error {
	return r.db.SetSyncState(key, value)
}

// GetCheckpoint retrieves a sync checkpoint value, or "" if unset.
func (r *Reconciler) GetCheckpoint(key string) (string, error) {
	return r.db.GetSyncState(key)
}

func filterKey(userID id.UserID) string    { return "filter_id:" + string(userID) }
func nextBatchKey(userID id.UserID) string { return "next_batch:" + string(userID) }

// SaveFilterID implements mautrix.SyncStore.
func (r *Reconciler) SaveFilterID(_ context.Context, userID id.UserID, filterID string) error {
	return r.UpdateCheckpoint(filterKey(userID), filterID)
}

// LoadFilterID implements mautrix.SyncStore.
func (r *Reconciler) LoadFilterID(_ context.Context, userID id.UserID) (string, error) {
	return r.GetCheckpoint(filterKey(userID))
}

// SaveNextBatch implements mautrix.SyncStore.
func (r *Reconciler) SaveNextBatch(_ context.Context, userID id.UserID, nextBatchToken string) error {
	r.logger.Debug("sync checkpoint", zap.String("next_batch", nextBatchToken))
	return r.UpdateCheckpoint(nextBatchKey(userID), nextBatchToken)
}

// LoadNextBatch implements mautrix.SyncStore.
func (r *Reconciler) LoadNextBatch(_ context.Context, userID id.UserID) (string, error) {
	return r.GetCheckpoint(nextBatchKey(userID))
}
