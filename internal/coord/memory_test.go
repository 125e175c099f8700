package coord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryStoreSetNXExpires(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := NewMemoryStore().WithClock(clock.Now)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock:a", "owner-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.SetNX(ctx, "lock:a", "owner-2", 30*time.Second)
	assert.False(t, ok)

	ttl, _ := s.TTL(ctx, "lock:a")
	assert.Equal(t, 30*time.Second, ttl)

	clock.Advance(31 * time.Second)
	ok, _ = s.SetNX(ctx, "lock:a", "owner-2", 30*time.Second)
	assert.True(t, ok)

	deleted, _ := s.CompareAndDelete(ctx, "lock:a", "owner-1")
	assert.False(t, deleted)
	deleted, _ = s.CompareAndDelete(ctx, "lock:a", "owner-2")
	assert.True(t, deleted)

	_, found, _ := s.Get(ctx, "lock:a")
	assert.False(t, found)
}

func TestMemoryStoreIncrByKeepsWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := NewMemoryStore().WithClock(clock.Now)
	ctx := context.Background()

	n, _ := s.IncrBy(ctx, "failure_count:x", 1, time.Minute)
	assert.Equal(t, int64(1), n)
	clock.Advance(40 * time.Second)
	n, _ = s.IncrBy(ctx, "failure_count:x", 1, time.Minute)
	assert.Equal(t, int64(2), n)

	// the window started with the first increment
	clock.Advance(21 * time.Second)
	n, _ = s.IncrBy(ctx, "failure_count:x", 1, time.Minute)
	assert.Equal(t, int64(1), n)
}

func TestMemoryStoreQueues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.ListPush(ctx, "q", "a", "b"))
	head, ok, _ := s.ListHead(ctx, "q")
	assert.True(t, ok)
	assert.Equal(t, "a", head)
	v, _, _ := s.ListPop(ctx, "q")
	assert.Equal(t, "a", v)
	n, _ := s.ListLen(ctx, "q")
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.ZAdd(ctx, "z", "late", 300))
	require.NoError(t, s.ZAdd(ctx, "z", "early", 100))
	require.NoError(t, s.ZAdd(ctx, "z", "mid", 200))

	minScore, ok, _ := s.ZMinScore(ctx, "z")
	assert.True(t, ok)
	assert.Equal(t, float64(100), minScore)

	moved, err := s.ZMoveDue(ctx, "z", "due", 250, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved)
	card, _ := s.ZCard(ctx, "z")
	assert.Equal(t, int64(1), card)
	head, _, _ = s.ListPop(ctx, "due")
	assert.Equal(t, "early", head)
	next, _, _ := s.ListPop(ctx, "due")
	assert.Equal(t, "mid", next)
}
