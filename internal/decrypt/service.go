// Package decrypt turns encrypted room events into messages. Requests are
// served in arrival order by a single worker so that key material fetched for
// one event is visible to the next.
package decrypt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/mxd/internal/matrix"
	"go.uber.org/zap"
)

// Placeholder reasons.
const (
	ReasonKeysNotAvailable = "Keys not available"
	ReasonFailed           = "Decryption failed"
	ReasonError            = "Decryption error"
)

// ErrQueueCleared is returned to callers whose request was dropped by ClearQueue.
var ErrQueueCleared = errors.New("decryption queue cleared")

// Crypto is the end-to-end encryption capability.
type Crypto interface {
	HasEventKey(ctx context.Context, evt *matrix.Event) (bool, error)
	DecryptEvent(ctx context.Context, evt *matrix.Event) (*matrix.Event, error)
}

// RoomKeyRequester is implemented by crypto backends that can ask other
// devices for a room's keys.
type RoomKeyRequester interface {
	RequestRoomKey(ctx context.Context, roomID string) error
}

// UserKeyRequester is implemented by crypto backends that can request the
// keys of a single user's devices.
type UserKeyRequester interface {
	RequestKeysForUser(ctx context.Context, userID string) error
}

// MemberLister lists the joined members of a room.
type MemberLister interface {
	JoinedMembers(ctx context.Context, roomID string) ([]string, error)
}

// Status is a snapshot of the service counters.
type Status struct {
	TotalEncrypted int    `json:"total_encrypted"`
	Decrypted      int    `json:"decrypted"`
	Failed         int    `json:"failed"`
	Pending        int    `json:"pending"`
	LastError      string `json:"last_error,omitempty"`
}

type request struct {
	roomID string
	evt    *matrix.Event
	done   chan struct{}
	once   sync.Once
	msg    *matrix.Message
	err    error
}

func newRequest(evt *matrix.Event) *request {
	return &request{roomID: evt.RoomID, evt: evt, done: make(chan struct{})}
}

// settle reports whether this call delivered the outcome.
func (r *request) settle(msg *matrix.Message, err error) bool {
	settled := false
	r.once.Do(func() {
		r.msg, r.err = msg, err
		close(r.done)
		settled = true
	})
	return settled
}

// Service decrypts events, directly or through its FIFO queue.
type Service struct {
	mu         sync.Mutex
	crypto     Crypto
	members    MemberLister
	queue      []*request
	inFlight   *request
	processing bool
	status     Status

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a decryption service. crypto and members may be nil.
func NewService(crypto Crypto, members MemberLister, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		crypto:  crypto,
		members: members,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		now:     time.Now,
	}
}

// SetCrypto swaps the crypto capability, e.g. once the device is verified.
func (s *Service) SetCrypto(c Crypto) {
	s.mu.Lock()
	s.crypto = c
	s.mu.Unlock()
}

func (s *Service) getCrypto() Crypto {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crypto
}

// DecryptMessage decrypts evt if it is encrypted and parses it. Failures never
// return an error; they produce an undecryptable placeholder instead.
func (s *Service) DecryptMessage(ctx context.Context, evt *matrix.Event) (msg *matrix.Message) {
	if !evt.IsEncrypted() {
		return matrix.ParseEvent(evt)
	}
	crypto := s.getCrypto()
	if crypto == nil {
		s.logger.Warn("e2ee not available, returning encrypted message", zap.String("event_id", evt.ID))
		return matrix.ParseEvent(evt)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("error during message decryption",
				zap.String("event_id", evt.ID),
				zap.Any("panic", r),
			)
			msg = s.undecryptable(evt, ReasonError)
		}
	}()

	s.logger.Debug("attempting to decrypt message",
		zap.String("event_id", evt.ID),
		zap.String("room_id", evt.RoomID),
	)

	hasKey, err := crypto.HasEventKey(ctx, evt)
	if err != nil {
		s.logger.Error("error during message decryption", zap.String("event_id", evt.ID), zap.Error(err))
		return s.undecryptable(evt, ReasonError)
	}
	if !hasKey {
		s.logger.Warn("no keys available for encrypted message", zap.String("event_id", evt.ID))
		return s.undecryptable(evt, ReasonKeysNotAvailable)
	}

	plain, err := crypto.DecryptEvent(ctx, evt)
	if err == nil && plain == nil {
		err = errors.New("crypto returned no event")
	}
	if err != nil {
		s.logger.Error("failed to decrypt message", zap.String("event_id", evt.ID), zap.Error(err))
		s.mu.Lock()
		s.status.Failed++
		s.status.LastError = err.Error()
		s.mu.Unlock()
		return s.undecryptable(evt, ReasonFailed)
	}

	s.mu.Lock()
	s.status.Decrypted++
	s.mu.Unlock()
	s.logger.Debug("message decrypted", zap.String("event_id", evt.ID))

	if plain.ID == "" {
		plain.ID = evt.ID
	}
	if plain.RoomID == "" {
		plain.RoomID = evt.RoomID
	}
	if plain.Sender == "" {
		plain.Sender = evt.Sender
	}
	if plain.Timestamp == 0 {
		plain.Timestamp = evt.Timestamp
	}
	msg = matrix.ParseEvent(plain)
	msg.Encrypted = true
	return msg
}

func (s *Service) undecryptable(evt *matrix.Event, reason string) *matrix.Message {
	id := orUnknown(evt.ID)
	ts := evt.Timestamp
	if ts == 0 {
		ts = s.now().UnixMilli()
	}
	return &matrix.Message{
		ID:      id,
		LocalID: fmt.Sprintf("matrix_%s_undecryptable", id),
		Type:    matrix.TypeUndecryptable,
		Body: matrix.Body{
			Text:      matrix.UndecryptableText,
			Reason:    reason,
			Algorithm: evt.Algorithm(),
		},
		SendTime:      ts,
		Sender:        orUnknown(evt.Sender),
		RoomID:        orUnknown(evt.RoomID),
		Content:       evt.Content,
		Encrypted:     true,
		Undecryptable: true,
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// QueueForDecryption enqueues evt and waits for its turn. The result is the
// same as DecryptMessage's; the error is ErrQueueCleared if the request was
// dropped, or the context error if ctx ends first.
func (s *Service) QueueForDecryption(ctx context.Context, evt *matrix.Event) (*matrix.Message, error) {
	req := newRequest(evt)

	s.mu.Lock()
	s.queue = append(s.queue, req)
	s.status.TotalEncrypted++
	s.status.Pending++
	s.mu.Unlock()

	s.kick()

	select {
	case <-req.done:
		return req.msg, req.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// kick starts the drain worker unless one is already running.
func (s *Service) kick() {
	s.mu.Lock()
	if s.processing || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	s.processing = true
	s.mu.Unlock()

	go s.drain()
}

func (s *Service) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.processing = false
			s.mu.Unlock()
			return
		}
		req := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.inFlight = req
		s.mu.Unlock()

		msg := s.DecryptMessage(s.ctx, req.evt)

		s.mu.Lock()
		s.inFlight = nil
		if req.settle(msg, nil) {
			s.status.Pending--
		}
		s.mu.Unlock()
	}
}

// RequestRoomKeys asks the crypto backend for roomID's keys, then for the
// keys of every joined member. Failures are logged, not returned.
func (s *Service) RequestRoomKeys(ctx context.Context, roomID string) {
	crypto := s.getCrypto()
	if crypto == nil {
		s.logger.Warn("no crypto available to request keys", zap.String("room_id", roomID))
		return
	}
	s.logger.Info("requesting keys for room", zap.String("room_id", roomID))

	if rk, ok := crypto.(RoomKeyRequester); ok {
		if err := rk.RequestRoomKey(ctx, roomID); err != nil {
			s.logger.Error("failed to request room keys", zap.String("room_id", roomID), zap.Error(err))
			return
		}
	}

	uk, ok := crypto.(UserKeyRequester)
	if ok && s.members != nil {
		members, err := s.members.JoinedMembers(ctx, roomID)
		if err != nil {
			s.logger.Error("failed to list room members", zap.String("room_id", roomID), zap.Error(err))
			return
		}
		for _, userID := range members {
			if err := uk.RequestKeysForUser(ctx, userID); err != nil {
				s.logger.Error("failed to request user keys",
					zap.String("room_id", roomID),
					zap.String("user_id", userID),
					zap.Error(err),
				)
				return
			}
		}
	}
	s.logger.Info("room keys requested", zap.String("room_id", roomID))
}

// RetryDecryption requests fresh keys for roomID and resumes the queue if the
// room has requests waiting.
func (s *Service) RetryDecryption(ctx context.Context, roomID string) {
	s.logger.Info("retrying decryption for room", zap.String("room_id", roomID))
	s.RequestRoomKeys(ctx, roomID)

	s.mu.Lock()
	waiting := false
	for _, req := range s.queue {
		if req.roomID == roomID {
			waiting = true
			break
		}
	}
	s.mu.Unlock()
	if waiting {
		s.kick()
	}
}

// ClearQueue drops queued requests for roomID, or all rooms when roomID is
// empty. A request already being decrypted is settled too; its result is
// discarded when the decrypt finishes.
func (s *Service) ClearQueue(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := 0
	kept := s.queue[:0]
	for _, req := range s.queue {
		if roomID != "" && req.roomID != roomID {
			kept = append(kept, req)
			continue
		}
		if req.settle(nil, ErrQueueCleared) {
			s.status.Pending--
			cleared++
		}
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept

	if req := s.inFlight; req != nil && (roomID == "" || req.roomID == roomID) {
		if req.settle(nil, ErrQueueCleared) {
			s.status.Pending--
			cleared++
		}
	}
	if roomID == "" {
		s.status.Pending = 0
	}
	s.logger.Info("decryption queue cleared", zap.String("room_id", roomID), zap.Int("cleared", cleared))
	return cleared
}

// Status returns a copy of the counters.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ResetStatus zeroes the counters.
func (s *Service) ResetStatus() {
	s.mu.Lock()
	s.status = Status{}
	s.mu.Unlock()
}

// Close clears the queue and cancels in-flight decrypts.
func (s *Service) Close() {
	s.ClearQueue("")
	s.cancel()
}
