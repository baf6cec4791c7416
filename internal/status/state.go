package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/mxd/internal/bus"
	"go.uber.org/zap"
)

// State is a message lifecycle state.
type State string

const (
	Pending   State = "PENDING"
	Sending   State = "SENDING"
	Sent      State = "SENT"
	Success   State = "SUCCESS"
	Delivered State = "DELIVERED"
	Read      State = "READ"
	Failed    State = "FAILED"
)

// validTransitions defines allowed state transitions. READ is terminal.
var validTransitions = map[State][]State{
	Pending:   {Sending, Sent, Failed},
	Sending:   {Sent, Failed},
	Sent:      {Delivered, Read, Failed},
	Success:   {Delivered, Read},
	Delivered: {Read},
	Read:      {},
	Failed:    {Pending, Sending},
}

// ParseState converts a string into a known State.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := validTransitions[st]; !ok {
		return "", fmt.Errorf("unknown message status %q", s)
	}
	return st, nil
}

// IsValidTransition reports whether from → to is allowed.
func IsValidTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Listener is notified after a message changes state.
type Listener func(msgID string, from, to State)

// StatusChange is the payload for status change events.
type StatusChange struct {
	MsgID string
	From  State
	To    State
}

// Tracker maps local message IDs to their lifecycle state and enforces the
// transition table.
type Tracker struct {
	mu        sync.RWMutex
	states    map[string]State
	listeners map[int]Listener
	nextID    int
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewTracker creates an empty tracker. b may be nil.
func NewTracker(b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		states:    make(map[string]State),
		listeners: make(map[int]Listener),
		bus:       b,
		logger:    logger,
	}
}

// Status returns the current state of msgID.
func (t *Tracker) Status(msgID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[msgID]
	return s, ok
}

// Len returns the number of tracked messages.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

// SetPending records msgID as PENDING without validation or notification.
func (t *Tracker) SetPending(msgID string) {
	t.mu.Lock()
	t.states[msgID] = Pending
	t.mu.Unlock()
	t.logger.Debug("message set to pending", zap.String("msg_id", msgID))
}

// UpdateMessageStatus moves msgID to the given state. The first write for an
// unknown message is always accepted and reported as a move from PENDING.
// Invalid transitions return false and leave the state unchanged.
func (t *Tracker) UpdateMessageStatus(msgID string, to State) bool {
	t.mu.Lock()
	from, known := t.states[msgID]
	if !known {
		t.states[msgID] = to
		t.mu.Unlock()
		t.logger.Debug("message status initialized", zap.String("msg_id", msgID), zap.String("status", string(to)))
		t.notify(msgID, Pending, to)
		return true
	}
	if !IsValidTransition(from, to) {
		t.mu.Unlock()
		t.logger.Warn("invalid status transition",
			zap.String("msg_id", msgID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return false
	}
	t.states[msgID] = to
	t.mu.Unlock()

	t.logger.Debug("message status updated",
		zap.String("msg_id", msgID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	t.notify(msgID, from, to)
	return true
}

// MarkSending moves msgID to SENDING.
func (t *Tracker) MarkSending(msgID string) bool { return t.UpdateMessageStatus(msgID, Sending) }

// MarkSent moves msgID to SENT.
func (t *Tracker) MarkSent(msgID string) bool { return t.UpdateMessageStatus(msgID, Sent) }

// MarkDelivered moves msgID to DELIVERED.
func (t *Tracker) MarkDelivered(msgID string) bool { return t.UpdateMessageStatus(msgID, Delivered) }

// MarkRead moves msgID to READ.
func (t *Tracker) MarkRead(msgID string) bool { return t.UpdateMessageStatus(msgID, Read) }

// MarkFailed moves msgID to FAILED, logging reason when the move succeeds.
func (t *Tracker) MarkFailed(msgID, reason string) bool {
	ok := t.UpdateMessageStatus(msgID, Failed)
	if ok && reason != "" {
		t.logger.Error("message failed", zap.String("msg_id", msgID), zap.String("error", reason))
	}
	return ok
}

// OnStatusChange registers a listener and returns a function that removes it.
func (t *Tracker) OnStatusChange(fn Listener) (off func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Cleanup forgets every state and listener.
func (t *Tracker) Cleanup() {
	t.mu.Lock()
	t.states = make(map[string]State)
	t.listeners = make(map[int]Listener)
	t.mu.Unlock()
	t.logger.Info("status tracker cleaned up")
}

func (t *Tracker) notify(msgID string, from, to State) {
	t.mu.RLock()
	ids := make([]int, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.listeners[id])
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		t.invoke(fn, msgID, from, to)
	}

	t.bus.Publish(bus.Event{
		Kind:      bus.KindStatusChanged,
		Timestamp: time.Now(),
		Payload:   StatusChange{MsgID: msgID, From: from, To: to},
	})
}

// invoke runs a listener, containing any panic so one faulty subscriber cannot
// break the transition for the others.
func (t *Tracker) invoke(fn Listener, msgID string, from, to State) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("status listener panicked", zap.String("msg_id", msgID), zap.Any("panic", r))
		}
	}()
	fn(msgID, from, to)
}
