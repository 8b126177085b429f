// ABOUTME: Tests for the seen-key cache
// ABOUTME: Verifies atomic check-and-mark, TTL expiry, and size-bounded eviction

package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeen_FirstTimeFalse(t *testing.T) {
	c := New(time.Minute, 100)

	assert.False(t, c.Seen("msg-1"))
	assert.True(t, c.Seen("msg-1"))
	assert.False(t, c.Seen("msg-2"))
}

func TestSeen_ExpiresAfterTTL(t *testing.T) {
	c := New(20*time.Millisecond, 100)

	assert.False(t, c.Seen("msg-1"))
	time.Sleep(40 * time.Millisecond)

	// Expired: the key counts as unseen again.
	assert.False(t, c.Seen("msg-1"))
	assert.True(t, c.Seen("msg-1"))
}

func TestSeen_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)

	for i := 0; i < 3; i++ {
		c.Seen(fmt.Sprintf("msg-%d", i))
	}
	assert.Equal(t, 3, c.Len())

	// A fourth key pushes out the oldest.
	assert.False(t, c.Seen("msg-3"))
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Seen("msg-0"))
}

func TestSeen_SweepDropsExpiredEntries(t *testing.T) {
	c := New(20*time.Millisecond, 100)

	c.Seen("a")
	c.Seen("b")
	time.Sleep(40 * time.Millisecond)

	// Any mark after the window sweeps the stale keys out.
	c.Seen("c")
	assert.Equal(t, 1, c.Len())
}
