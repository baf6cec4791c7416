// Package retry holds messages whose send failed and re-attempts them with
// exponential backoff until a retry budget is spent.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/mxd/internal/bus"
	"github.com/matheus3301/mxd/internal/status"
	"go.uber.org/zap"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 2 * time.Second
)

var (
	// ErrQueueCleared is delivered to waiters when the queue is cleared. It
	// means the message was dropped by request, not lost to the network.
	ErrQueueCleared = errors.New("retry queue cleared")
	// ErrRemoved is delivered to waiters when a single message is removed.
	ErrRemoved = errors.New("message removed from retry queue")
	// ErrClosed is delivered to waiters when the queue shuts down.
	ErrClosed = errors.New("retry queue closed")
	// ErrNotQueued is returned for IDs the queue does not hold.
	ErrNotQueued = errors.New("message not in retry queue")
	// ErrAttemptInProgress is returned when a manual retry races a running attempt.
	ErrAttemptInProgress = errors.New("retry attempt already in progress")
)

// Config controls the retry budget and backoff. With ManualOnly set the queue
// never retries on its own; records wait for RetryMessage.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	ManualOnly bool
}

// Message is the outbound message handed to the queue after a failed send.
type Message struct {
	ID       string
	RoomID   string
	Type     string
	Body     string
	SendTime int64 // unix ms; zero means now
}

// Record is a message waiting to be re-sent.
type Record struct {
	ID                string
	RoomID            string
	Type              string
	Body              string
	RetryCount        int
	MaxRetries        int
	LastAttempt       time.Time
	Error             string
	OriginalTimestamp int64
}

// Exhausted reports whether automatic retries have stopped for r.
func (r Record) Exhausted() bool {
	return r.RetryCount >= r.MaxRetries
}

// SendFunc re-sends a record. A nil error means the message went out.
type SendFunc func(ctx context.Context, rec Record) error

type item struct {
	rec      Record
	stop     func() bool
	inFlight bool
	done     chan struct{}
	err      error
	settled  bool
}

func (it *item) settle(err error) {
	if it.settled {
		return
	}
	it.err = err
	it.settled = true
	close(it.done)
}

// Queue schedules retries for failed messages.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	items   map[string]*item
	send    SendFunc
	tracker *status.Tracker
	bus     *bus.Bus
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) (stop func() bool)
}

// NewQueue creates a retry queue. Zero config fields fall back to the defaults.
func NewQueue(cfg Config, tracker *status.Tracker, b *bus.Bus, logger *zap.Logger) *Queue {
	if cfg.ManualOnly {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:     cfg,
		items:   make(map[string]*item),
		tracker: tracker,
		bus:     b,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
}

// SetSendFunc installs the callback used for every retry attempt.
func (q *Queue) SetSendFunc(fn SendFunc) {
	q.mu.Lock()
	q.send = fn
	q.mu.Unlock()
}

// Delay returns the backoff before attempt n: BaseDelay * 2^n.
func (q *Queue) Delay(n int) time.Duration {
	return backoff(q.cfg.BaseDelay, n)
}

func backoff(base time.Duration, n int) time.Duration {
	if n <= 0 {
		return base
	}
	if n >= 62 {
		return math.MaxInt64
	}
	factor := time.Duration(1) << n
	if base > math.MaxInt64/factor {
		return math.MaxInt64
	}
	return base * factor
}

// Add records a failed message, marks it FAILED and schedules its first retry.
// Adding an ID that is already queued resets its record; existing waiters keep
// waiting on the new attempts.
func (q *Queue) Add(msg Message, sendErr string) {
	ts := msg.SendTime
	if ts == 0 {
		ts = q.now().UnixMilli()
	}
	rec := Record{
		ID:                msg.ID,
		RoomID:            msg.RoomID,
		Type:              msg.Type,
		Body:              msg.Body,
		MaxRetries:        q.cfg.MaxRetries,
		LastAttempt:       q.now(),
		Error:             sendErr,
		OriginalTimestamp: ts,
	}

	q.mu.Lock()
	if it, ok := q.items[msg.ID]; ok {
		it.rec = rec
	} else {
		q.items[msg.ID] = &item{rec: rec, done: make(chan struct{})}
	}
	q.mu.Unlock()

	q.tracker.MarkFailed(msg.ID, sendErr)
	q.logger.Info("message added to retry queue",
		zap.String("msg_id", msg.ID),
		zap.String("room_id", msg.RoomID),
		zap.String("error", sendErr),
	)
	q.schedule(msg.ID)
}

func (q *Queue) schedule(id string) {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	if it.stop != nil {
		it.stop()
		it.stop = nil
	}
	if it.rec.Exhausted() {
		rec := it.rec
		q.mu.Unlock()
		q.logger.Warn("max retries exceeded", zap.String("msg_id", id), zap.Int("retry_count", rec.RetryCount))
		q.bus.Emit(bus.KindRetryExhausted, rec)
		return
	}
	delay := backoff(q.cfg.BaseDelay, it.rec.RetryCount)
	retryCount := it.rec.RetryCount
	it.stop = q.afterFunc(delay, func() { q.executeRetry(q.ctx, id, false) })
	q.mu.Unlock()

	q.logger.Debug("retry scheduled",
		zap.String("msg_id", id),
		zap.Int("retry_count", retryCount),
		zap.Duration("delay", delay),
	)
	q.bus.Emit(bus.KindRetryScheduled, map[string]any{
		"msg_id":      id,
		"retry_count": retryCount,
		"delay_ms":    delay.Milliseconds(),
	})
}

func (q *Queue) executeRetry(ctx context.Context, id string, manual bool) {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	it.stop = nil
	if it.inFlight {
		q.mu.Unlock()
		q.logger.Debug("retry skipped, attempt in progress", zap.String("msg_id", id))
		return
	}
	if it.rec.Exhausted() && !manual {
		count := it.rec.RetryCount
		q.mu.Unlock()
		// Kept in the queue for manual retry.
		q.logger.Warn("max retries exceeded", zap.String("msg_id", id), zap.Int("retry_count", count))
		return
	}
	it.rec.RetryCount++
	it.rec.LastAttempt = q.now()
	it.inFlight = true
	rec := it.rec
	send := q.send
	q.mu.Unlock()

	q.logger.Info("executing retry",
		zap.String("msg_id", id),
		zap.Int("retry_count", rec.RetryCount),
		zap.Int("max_retries", rec.MaxRetries),
	)
	if send == nil {
		q.mu.Lock()
		it.inFlight = false
		q.mu.Unlock()
		q.logger.Warn("no retry callback set", zap.String("msg_id", id))
		return
	}
	q.tracker.UpdateMessageStatus(id, status.Pending)

	err := q.invoke(ctx, send, rec)

	q.mu.Lock()
	it.inFlight = false
	if q.items[id] != it {
		// Removed or cleared while the attempt ran; the outcome is discarded.
		q.mu.Unlock()
		q.logger.Debug("retry outcome discarded", zap.String("msg_id", id))
		return
	}
	if err == nil {
		delete(q.items, id)
		it.settle(nil)
		q.mu.Unlock()
		q.tracker.MarkSent(id)
		q.logger.Info("retry successful", zap.String("msg_id", id))
		return
	}
	it.rec.Error = err.Error()
	q.mu.Unlock()

	q.tracker.MarkFailed(id, err.Error())
	q.logger.Error("retry failed", zap.String("msg_id", id), zap.Error(err))
	q.schedule(id)
}

func (q *Queue) invoke(ctx context.Context, send SendFunc, rec Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retry callback panicked: %v", r)
		}
	}()
	return send(ctx, rec)
}

// RetryMessage resets the retry count of id and attempts it immediately, even
// if its automatic retries were exhausted. It reports whether the message left
// the queue (i.e. was sent). If the queue is cleared or the message removed
// during the attempt, the corresponding error is returned.
func (q *Queue) RetryMessage(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		q.logger.Warn("message not in retry queue", zap.String("msg_id", id))
		return false, ErrNotQueued
	}
	if it.inFlight {
		q.mu.Unlock()
		return false, ErrAttemptInProgress
	}
	it.rec.RetryCount = 0
	if it.stop != nil {
		it.stop()
		it.stop = nil
	}
	q.mu.Unlock()

	q.executeRetry(ctx, id, true)

	q.mu.Lock()
	defer q.mu.Unlock()
	if it.settled && it.err != nil {
		return false, it.err
	}
	_, still := q.items[id]
	return !still, nil
}

// Wait blocks until id is sent, removed or the queue is cleared.
func (q *Queue) Wait(ctx context.Context, id string) error {
	q.mu.Lock()
	it, ok := q.items[id]
	q.mu.Unlock()
	if !ok {
		return ErrNotQueued
	}
	select {
	case <-it.done:
		return it.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Remove drops id from the queue and cancels its pending retry.
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(id, ErrRemoved)
	q.logger.Debug("message removed from retry queue", zap.String("msg_id", id))
}

func (q *Queue) removeLocked(id string, reason error) {
	it, ok := q.items[id]
	if !ok {
		return
	}
	if it.stop != nil {
		it.stop()
	}
	delete(q.items, id)
	it.settle(reason)
}

// Clear cancels every pending retry. Waiters observe ErrQueueCleared.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id := range q.items {
		q.removeLocked(id, ErrQueueCleared)
	}
	q.logger.Info("retry queue cleared")
}

// Close stops all timers. Waiters observe ErrClosed.
func (q *Queue) Close() {
	q.cancel()
	q.mu.Lock()
	defer q.mu.Unlock()
	for id := range q.items {
		q.removeLocked(id, ErrClosed)
	}
}

// Get returns the record for id.
func (q *Queue) Get(id string) (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return Record{}, false
	}
	return it.rec, true
}

// Contains reports whether id is queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[id]
	return ok
}

// List returns all records, oldest message first.
func (q *Queue) List() []Record {
	q.mu.Lock()
	recs := make([]Record, 0, len(q.items))
	for _, it := range q.items {
		recs = append(recs, it.rec)
	}
	q.mu.Unlock()

	slices.SortFunc(recs, func(a, b Record) int {
		if a.OriginalTimestamp != b.OriginalTimestamp {
			if a.OriginalTimestamp < b.OriginalTimestamp {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return recs
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
