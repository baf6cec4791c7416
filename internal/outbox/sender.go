package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/mxd/internal/bus"
	"github.com/matheus3301/mxd/internal/guard"
	"github.com/matheus3301/mxd/internal/retry"
	"github.com/matheus3301/mxd/internal/status"
	"github.com/matheus3301/mxd/internal/store"
	"go.uber.org/zap"
)

// ErrRejected marks a send refused by the encryption policy. Rejected
// messages are never retried.
var ErrRejected = errors.New("rejected by encryption policy")

// ErrInvalidMessage is returned by Enqueue for a message without a room or body.
var ErrInvalidMessage = errors.New("room id and body are required")

// Transport delivers messages to the homeserver.
type Transport interface {
	SendText(ctx context.Context, roomID, body string) (eventID string, err error)
	SendEncrypted(ctx context.Context, roomID string, env guard.Envelope) (eventID string, err error)
}

// Encrypter seals message content for a room.
type Encrypter interface {
	Encrypt(roomID string, plaintext []byte) (guard.Envelope, error)
}

// SessionReporter reports a room's encryption session for policy checks.
type SessionReporter interface {
	SessionStatus(roomID string) guard.SessionEncryptionStatus
}

// Deps are the collaborators of a Sender. Crypto may be nil, in which case
// messages go out in plain text if the guard allows it.
type Deps struct {
	DB        *store.DB
	Transport Transport
	Crypto    Encrypter
	Guard     *guard.Guard
	Tracker   *status.Tracker
	Retries   *retry.Queue
	Bus       *bus.Bus
	Logger    *zap.Logger
	UserID    string
}

// Sender drains the outbox: every queued message is encrypted, checked
// against the guard, and sent. Failed sends are handed to the retry queue.
type Sender struct {
	Deps
	interval time.Duration
	cancel   context.CancelFunc
}

// NewSender creates a new outbox sender and installs Resend as the retry
// queue's callback.
func NewSender(d Deps) *Sender {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	s := &Sender{Deps: d, interval: 500 * time.Millisecond}
	if d.Retries != nil {
		d.Retries.SetSendFunc(s.Resend)
	}
	return s
}

// Enqueue queues body for roomID and returns the new local message ID.
func (s *Sender) Enqueue(roomID, body string) (string, error) {
	if roomID == "" || body == "" {
		return "", ErrInvalidMessage
	}
	localID := uuid.NewString()
	if err := s.DB.QueueOutbox(localID, roomID, body); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}
	s.Tracker.SetPending(localID)
	return localID, nil
}

// Start recovers interrupted sends and begins polling the outbox.
func (s *Sender) Start(ctx context.Context) {
	s.recover()
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// recover requeues entries left 'sending' by a crash and hands entries that
// failed before the restart back to the retry queue.
func (s *Sender) recover() {
	if n, err := s.DB.RequeueSending(); err != nil {
		s.Logger.Error("failed to requeue interrupted sends", zap.Error(err))
	} else if n > 0 {
		s.Logger.Info("requeued interrupted sends", zap.Int64("count", n))
	}

	if s.Retries == nil {
		return
	}
	failed, err := s.DB.FailedOutbox()
	if err != nil {
		s.Logger.Error("failed to read failed outbox", zap.Error(err))
		return
	}
	for _, e := range failed {
		s.Retries.Add(retry.Message{
			ID:       e.LocalID,
			RoomID:   e.RoomID,
			Type:     "text",
			Body:     e.Body,
			SendTime: e.CreatedAt,
		}, e.ErrorMessage)
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.DB.PendingOutbox()
	if err != nil {
		s.Logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		s.deliver(ctx, entry)
	}
}

func (s *Sender) deliver(ctx context.Context, entry store.OutboxEntry) {
	if err := s.DB.MarkOutboxSending(entry.LocalID); err != nil {
		s.Logger.Error("failed to mark sending", zap.Error(err), zap.String("local_id", entry.LocalID))
		return
	}
	s.Tracker.MarkSending(entry.LocalID)

	// Optimistic insert: show the message immediately.
	now := time.Now().UnixMilli()
	if err := s.DB.UpsertMessage(&store.Message{
		RoomID:    entry.RoomID,
		LocalID:   entry.LocalID,
		Sender:    s.UserID,
		Body:      entry.Body,
		MsgType:   "text",
		Status:    string(status.Sending),
		FromMe:    true,
		Encrypted: s.Crypto != nil,
		Timestamp: now,
	}); err != nil {
		s.Logger.Error("failed to insert optimistic message", zap.Error(err), zap.String("local_id", entry.LocalID))
	}
	if err := s.DB.UpsertRoom(&store.Room{
		RoomID:             entry.RoomID,
		Encrypted:          s.Crypto != nil,
		LastMessageAt:      now,
		LastMessagePreview: entry.Body,
	}); err != nil {
		s.Logger.Error("failed to update room", zap.Error(err), zap.String("room_id", entry.RoomID))
	}
	s.Bus.Emit(bus.KindUpserted, map[string]string{"room_id": entry.RoomID, "local_id": entry.LocalID})

	eventID, err := s.attempt(ctx, entry.RoomID, entry.LocalID, entry.Body)
	switch {
	case errors.Is(err, ErrRejected):
		s.reject(entry.LocalID, err)
	case err != nil:
		s.Logger.Error("failed to send message", zap.Error(err), zap.String("local_id", entry.LocalID))
		if dbErr := s.DB.MarkOutboxFailed(entry.LocalID, err.Error()); dbErr != nil {
			s.Logger.Error("failed to mark failed", zap.Error(dbErr), zap.String("local_id", entry.LocalID))
		}
		s.Bus.Emit(bus.KindSendFailed, map[string]string{"local_id": entry.LocalID, "error": err.Error()})
		if s.Retries != nil {
			s.Retries.Add(retry.Message{ID: entry.LocalID, RoomID: entry.RoomID, Type: "text", Body: entry.Body}, err.Error())
		} else {
			s.Tracker.MarkFailed(entry.LocalID, err.Error())
		}
	default:
		s.Tracker.MarkSent(entry.LocalID)
		s.ack(entry.LocalID, eventID)
	}
}

// Resend is the retry queue callback: it repeats the guarded send of rec.
// A policy rejection removes the record from the queue.
func (s *Sender) Resend(ctx context.Context, rec retry.Record) error {
	if err := s.DB.SetOutboxRetryCount(rec.ID, rec.RetryCount); err != nil {
		s.Logger.Warn("failed to record retry count", zap.Error(err), zap.String("local_id", rec.ID))
	}
	if err := s.DB.MarkOutboxSending(rec.ID); err != nil {
		s.Logger.Warn("failed to mark sending", zap.Error(err), zap.String("local_id", rec.ID))
	}

	eventID, err := s.attempt(ctx, rec.RoomID, rec.ID, rec.Body)
	if errors.Is(err, ErrRejected) {
		s.Retries.Remove(rec.ID)
		s.reject(rec.ID, err)
		return err
	}
	if err != nil {
		if dbErr := s.DB.MarkOutboxFailed(rec.ID, err.Error()); dbErr != nil {
			s.Logger.Error("failed to mark failed", zap.Error(dbErr), zap.String("local_id", rec.ID))
		}
		return err
	}
	s.ack(rec.ID, eventID)
	return nil
}

// attempt encrypts, validates and sends body.
func (s *Sender) attempt(ctx context.Context, roomID, localID, body string) (string, error) {
	var st *guard.SendEncryptionStatus
	if s.Crypto != nil {
		plaintext, err := json.Marshal(map[string]string{"msgtype": "m.text", "body": body})
		if err != nil {
			return "", fmt.Errorf("encode content: %w", err)
		}
		env, err := s.Crypto.Encrypt(roomID, plaintext)
		if err != nil {
			st = &guard.SendEncryptionStatus{Valid: false, Error: err.Error()}
		} else {
			st = &guard.SendEncryptionStatus{Valid: true, EncryptedContent: &env}
		}

		if sr, ok := s.Crypto.(SessionReporter); ok && st.Valid {
			if err := s.check(s.Guard.ValidateSessionEncryption(roomID, sr.SessionStatus(roomID))); err != nil {
				return "", err
			}
		}
	}

	if err := s.check(s.Guard.ValidateMessageBeforeSend(roomID, body, st)); err != nil {
		return "", err
	}

	if st != nil && st.Valid && st.EncryptedContent != nil {
		return s.Transport.SendEncrypted(ctx, roomID, *st.EncryptedContent)
	}
	return s.Transport.SendText(ctx, roomID, body)
}

// check folds both guard failure modes into ErrRejected.
func (s *Sender) check(res guard.Result, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if !res.Valid {
		return fmt.Errorf("%w: %s", ErrRejected, res.Error)
	}
	return nil
}

func (s *Sender) reject(localID string, err error) {
	s.Logger.Warn("message rejected by guard", zap.Error(err), zap.String("local_id", localID))
	if dbErr := s.DB.MarkOutboxRejected(localID, err.Error()); dbErr != nil {
		s.Logger.Error("failed to mark rejected", zap.Error(dbErr), zap.String("local_id", localID))
	}
	s.Tracker.MarkFailed(localID, err.Error())

	payload := map[string]string{"local_id": localID, "error": err.Error()}
	var gerr *guard.Error
	if errors.As(err, &gerr) {
		payload["code"] = string(gerr.Code)
	}
	s.Bus.Emit(bus.KindRejected, payload)
}

func (s *Sender) ack(localID, eventID string) {
	if err := s.DB.MarkOutboxSent(localID, eventID); err != nil {
		s.Logger.Error("failed to mark sent", zap.Error(err), zap.String("local_id", localID))
	}
	if err := s.DB.SetMessageEventID(localID, eventID); err != nil {
		s.Logger.Error("failed to record event id", zap.Error(err), zap.String("local_id", localID))
	}
	s.Logger.Info("message sent", zap.String("local_id", localID), zap.String("event_id", eventID))
	s.Bus.Emit(bus.KindSendAck, map[string]string{"local_id": localID, "event_id": eventID})
}
