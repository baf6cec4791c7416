package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDedup(cfg Config) (*Deduplicator, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	d := New(cfg, nil)
	d.now = clock.now
	return d, clock
}

func TestShouldProcessOncePerEvent(t *testing.T) {
	d, _ := newTestDedup(Config{})

	assert.True(t, d.ShouldProcessMessage("$abc:example.org"))
	assert.False(t, d.ShouldProcessMessage("$abc:example.org"), "second delivery must be dropped")
	assert.True(t, d.IsEventProcessed("$abc:example.org"))
	assert.Equal(t, 1, d.Len())
}

func TestIsEventProcessedDoesNotRecord(t *testing.T) {
	d, _ := newTestDedup(Config{})

	assert.False(t, d.IsEventProcessed("$x"))
	assert.True(t, d.ShouldProcessMessage("$x"), "lookup must not mark the event")
}

func TestEventExpiresAfterWindow(t *testing.T) {
	d, clock := newTestDedup(Config{Window: time.Minute})

	require.True(t, d.ShouldProcessMessage("$old"))
	clock.advance(61 * time.Second)

	// The sweep runs on insert.
	require.True(t, d.ShouldProcessMessage("$new"))
	assert.False(t, d.IsEventProcessed("$old"))
	assert.True(t, d.ShouldProcessMessage("$old"), "evicted id is seen as new again")
}

func TestEventWithinWindowIsKept(t *testing.T) {
	d, clock := newTestDedup(Config{Window: time.Minute})

	require.True(t, d.ShouldProcessMessage("$a"))
	clock.advance(59 * time.Second)
	require.True(t, d.ShouldProcessMessage("$b"))

	assert.False(t, d.ShouldProcessMessage("$a"))
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	d, clock := newTestDedup(Config{MaxEntries: 3})

	for i := range 5 {
		require.True(t, d.ShouldProcessMessage(fmt.Sprintf("$e%d", i)))
		clock.advance(time.Millisecond)
	}

	assert.Equal(t, 3, d.Len())
	assert.False(t, d.IsEventProcessed("$e0"))
	assert.False(t, d.IsEventProcessed("$e1"))
	assert.True(t, d.IsEventProcessed("$e2"))
	assert.True(t, d.IsEventProcessed("$e4"))
}

func TestCapacityKeepsNewestOnSameTimestamp(t *testing.T) {
	d, _ := newTestDedup(Config{MaxEntries: 2})

	d.ShouldProcessMessage("$a")
	d.ShouldProcessMessage("$b")
	d.ShouldProcessMessage("$c")

	assert.True(t, d.IsEventProcessed("$c"), "the event just inserted must survive the sweep")
	assert.False(t, d.IsEventProcessed("$a"))
}

func TestEmptyEventIDAlwaysProcessed(t *testing.T) {
	d, _ := newTestDedup(Config{})

	assert.True(t, d.ShouldProcessMessage(""))
	assert.True(t, d.ShouldProcessMessage(""))
	assert.Equal(t, 0, d.Len())
}

func TestClear(t *testing.T) {
	d, _ := newTestDedup(Config{})
	d.ShouldProcessMessage("$a")
	d.Clear()

	assert.Equal(t, 0, d.Len())
	assert.True(t, d.ShouldProcessMessage("$a"))
}

func TestDefaults(t *testing.T) {
	d := New(Config{}, nil)
	assert.Equal(t, DefaultWindow, d.cfg.Window)
	assert.Equal(t, DefaultMaxEntries, d.cfg.MaxEntries)
}
