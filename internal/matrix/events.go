package matrix

import (
	"context"

	"github.com/matheus3301/mxd/internal/bus"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/event"
)

// Ingester consumes inbound events. The sync engine implements it.
type Ingester interface {
	IngestEvent(ctx context.Context, evt *Event) error
	ApplyReceipts(receipts []Receipt) error
}

// EventHandler converts SDK events and hands them to the ingester on the
// syncer's goroutine, so the sync loop does not move past a batch until every
// event in it is stored. The mx.* bus events that follow are for watchers
// only and may be dropped.
type EventHandler struct {
	ingest Ingester
	bus    *bus.Bus
	logger *zap.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(ingest Ingester, b *bus.Bus, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{ingest: ingest, bus: b, logger: logger}
}

// Handle is registered with Adapter.OnEvent.
func (h *EventHandler) Handle(ctx context.Context, raw *event.Event) {
	evt := FromMautrix(raw)
	if evt == nil {
		return
	}
	switch evt.Type {
	case EventMessage, EventEncrypted:
		if err := h.ingest.IngestEvent(ctx, evt); err != nil {
			h.logger.Error("failed to ingest event", zap.Error(err), zap.String("event_id", evt.ID))
		}
		h.bus.Emit(bus.KindMatrixEvent, evt)
	case EventReceipt:
		receipts := ParseReceipts(evt)
		if len(receipts) == 0 {
			return
		}
		if err := h.ingest.ApplyReceipts(receipts); err != nil {
			h.logger.Error("failed to apply receipts", zap.Error(err), zap.Int("count", len(receipts)))
		}
		h.bus.Emit(bus.KindMatrixReceipt, receipts)
	default:
		h.logger.Debug("ignoring matrix event", zap.String("type", evt.Type), zap.String("event_id", evt.ID))
	}
}
