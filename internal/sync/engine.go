package sync

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/matheus3301/mxd/internal/bus"
	"github.com/matheus3301/mxd/internal/decrypt"
	"github.com/matheus3301/mxd/internal/dedup"
	"github.com/matheus3301/mxd/internal/guard"
	"github.com/matheus3301/mxd/internal/matrix"
	"github.com/matheus3301/mxd/internal/status"
	"github.com/matheus3301/mxd/internal/store"
	"go.uber.org/zap"
)

// Deps are the collaborators of an Engine. Decrypt may be nil, in which case
// encrypted events are stored as received.
type Deps struct {
	DB      *store.DB
	Bus     *bus.Bus
	Dedup   *dedup.Deduplicator
	Decrypt *decrypt.Service
	Guard   *guard.Guard
	Tracker *status.Tracker
	Logger  *zap.Logger
	UserID  string
}

// Engine handles idempotent ingestion of inbound Matrix events into the store.
// matrix.EventHandler calls it on the sync goroutine, so a slow ingest holds
// the sync loop back instead of losing events.
type Engine struct {
	Deps
	offStatus func()
}

var _ matrix.Ingester = (*Engine)(nil)

// NewEngine creates a new sync engine.
func NewEngine(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Engine{Deps: d}
}

// Start mirrors tracker status changes into the store.
func (e *Engine) Start() {
	if e.Tracker != nil {
		e.offStatus = e.Tracker.OnStatusChange(e.persistStatus)
	}
}

// Stop removes the status listener.
func (e *Engine) Stop() {
	if e.offStatus != nil {
		e.offStatus()
		e.offStatus = nil
	}
}

// IngestEvent runs one inbound event through dedup, decryption and the
// encryption policy, then stores it. Duplicates and rejected events are
// dropped without error.
func (e *Engine) IngestEvent(ctx context.Context, evt *matrix.Event) error {
	if e.Dedup != nil && !e.Dedup.ShouldProcessMessage(evt.ID) {
		e.Logger.Debug("duplicate event dropped", zap.String("event_id", evt.ID))
		return nil
	}

	msg, err := e.open(ctx, evt)
	if err != nil {
		return err
	}

	if e.Guard != nil {
		content, err := evt.ContentJSON()
		if err != nil {
			return fmt.Errorf("encode content: %w", err)
		}
		res, err := e.Guard.ValidateReceivedMessage(evt.RoomID, content, evt.ID)
		if err != nil || !res.Valid {
			reason := res.Error
			code := ""
			var gerr *guard.Error
			if errors.As(err, &gerr) {
				reason, code = gerr.Message, string(gerr.Code)
			}
			e.Logger.Warn("inbound message rejected",
				zap.String("event_id", evt.ID),
				zap.String("room_id", evt.RoomID),
				zap.String("reason", reason),
			)
			e.Bus.Emit(bus.KindRejected, map[string]string{
				"room_id":  evt.RoomID,
				"event_id": evt.ID,
				"code":     code,
				"reason":   reason,
			})
			return nil
		}
	}

	if msg.Undecryptable && msg.Body.Reason == decrypt.ReasonKeysNotAvailable && e.Decrypt != nil {
		e.Decrypt.RequestRoomKeys(ctx, evt.RoomID)
	}

	return e.IngestMessage(msg)
}

// open decrypts evt through the queue when it is encrypted and parses it.
func (e *Engine) open(ctx context.Context, evt *matrix.Event) (*matrix.Message, error) {
	if !evt.IsEncrypted() || e.Decrypt == nil {
		return matrix.ParseEvent(evt), nil
	}
	msg, err := e.Decrypt.QueueForDecryption(ctx, evt)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", evt.ID, err)
	}
	return msg, nil
}

// IngestMessage stores a parsed message (idempotent on the event ID). The
// echo of a message this client sent is merged into the outbox copy instead
// of creating a second row.
func (e *Engine) IngestMessage(msg *matrix.Message) error {
	fromMe := e.UserID != "" && msg.Sender == e.UserID
	if fromMe {
		own, err := e.DB.GetMessageByEventID(msg.ID)
		if err != nil {
			return fmt.Errorf("lookup own message: %w", err)
		}
		if own == nil {
			// The echo can arrive before the sender records the event ID.
			own, err = e.DB.ClaimOwnEcho(msg.RoomID, msg.Body.Text, msg.ID)
			if err != nil {
				return fmt.Errorf("claim own echo: %w", err)
			}
		}
		if own != nil {
			e.Logger.Debug("own echo merged", zap.String("event_id", msg.ID), zap.String("local_id", own.LocalID))
			return nil
		}
	}

	row := &store.Message{
		RoomID:        msg.RoomID,
		EventID:       msg.ID,
		LocalID:       msg.ID,
		Sender:        msg.Sender,
		Body:          msg.Body.Text,
		MsgType:       string(msg.Type),
		Status:        string(status.Delivered),
		FromMe:        fromMe,
		Encrypted:     msg.Encrypted,
		Undecryptable: msg.Undecryptable,
		Timestamp:     msg.SendTime,
	}
	if fromMe {
		row.Status = string(status.Sent)
	}

	if err := e.DB.UpsertRoom(&store.Room{
		RoomID:             msg.RoomID,
		Encrypted:          msg.Encrypted,
		LastMessageAt:      msg.SendTime,
		LastMessagePreview: truncate(msg.Body.Text, 100),
	}); err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}

	if err := e.DB.UpsertMessage(row); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	e.Bus.Emit(bus.KindUpserted, map[string]string{
		"room_id":  row.RoomID,
		"local_id": row.LocalID,
		"event_id": row.EventID,
	})
	return nil
}

// ApplyReceipts moves this client's messages to DELIVERED and READ as other
// users acknowledge them. A read receipt implies delivery.
func (e *Engine) ApplyReceipts(receipts []matrix.Receipt) error {
	for _, r := range receipts {
		if r.UserID == e.UserID {
			continue
		}
		m, err := e.DB.GetMessageByEventID(r.EventID)
		if err != nil {
			return fmt.Errorf("lookup receipt target: %w", err)
		}
		if m == nil || !m.FromMe {
			continue
		}

		if cur, ok := e.Tracker.Status(m.LocalID); !ok || cur == status.Sent || cur == status.Success {
			e.Tracker.MarkDelivered(m.LocalID)
		}
		if r.Type != matrix.ReceiptRead && r.Type != matrix.ReceiptReadPrivate {
			continue
		}
		if cur, _ := e.Tracker.Status(m.LocalID); cur != status.Read {
			e.Tracker.MarkRead(m.LocalID)
		}
		if err := e.DB.MarkMessageRead(m.LocalID, r.Timestamp); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
	}
	return nil
}

// persistStatus is the tracker listener that mirrors status into the store.
func (e *Engine) persistStatus(msgID string, _, to status.State) {
	if err := e.DB.UpdateMessageStatus(msgID, string(to)); err != nil {
		e.Logger.Error("failed to persist status", zap.Error(err), zap.String("msg_id", msgID))
	}
}

// truncate cuts s to at most maxLen runes.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen])
}
