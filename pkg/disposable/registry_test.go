package disposable

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_SweepsExpiredEntry(t *testing.T) {
	t.Parallel()
	r := New(nil)

	var destroyed atomic.Bool
	r.Register("a", 20*time.Millisecond, true, func() { destroyed.Store(true) })

	assert.Eventually(t, destroyed.Load, time.Second, time.Millisecond)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_TouchResetsDeadline(t *testing.T) {
	t.Parallel()
	r := New(nil)

	var destroyed atomic.Bool
	r.Register("a", 60*time.Millisecond, true, func() { destroyed.Store(true) })

	// Keep touching faster than the timeout; it should never fire.
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		r.Touch("a")
	}
	assert.False(t, destroyed.Load())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_NonAutoDestructNeverSwept(t *testing.T) {
	t.Parallel()
	r := New(nil)

	var destroyed atomic.Bool
	r.Register("a", 10*time.Millisecond, false, func() { destroyed.Store(true) })

	time.Sleep(100 * time.Millisecond)
	assert.False(t, destroyed.Load())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Unregister_NoDestroyCallback(t *testing.T) {
	t.Parallel()
	r := New(nil)

	var destroyed atomic.Bool
	r.Register("a", time.Hour, true, func() { destroyed.Store(true) })
	r.Unregister("a")

	assert.Equal(t, 0, r.Len())
	assert.False(t, destroyed.Load())
}

func TestRegistry_OnEmptyFiresOnTransition(t *testing.T) {
	t.Parallel()
	r := New(nil)

	var emptied atomic.Bool
	r = New(func() { emptied.Store(true) })

	r.Register("a", 20*time.Millisecond, true, func() {})
	assert.Eventually(t, emptied.Load, time.Second, time.Millisecond)
}

func TestRegistry_SoonestDeadlineWinsOverLongerOne(t *testing.T) {
	t.Parallel()
	r := New(nil)

	var shortDone, longDone atomic.Bool
	r.Register("long", time.Hour, true, func() { longDone.Store(true) })
	r.Register("short", 20*time.Millisecond, true, func() { shortDone.Store(true) })

	assert.Eventually(t, shortDone.Load, time.Second, time.Millisecond)
	assert.False(t, longDone.Load())
	assert.Equal(t, 1, r.Len())
}
