package idgen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestGenerator(t *testing.T, clock Clock) (*Generator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, clock), mr
}

func TestNextID_Layout(t *testing.T) {
	now := time.Date(2024, 5, 17, 8, 30, 0, 0, time.UTC)
	gen, mr := newTestGenerator(t, &fixedClock{now: now})

	id, err := gen.NextID(context.Background(), "order")
	require.NoError(t, err)

	require.Equal(t, now, Timestamp(id))
	require.Equal(t, int64(1), Sequence(id))

	value, err := mr.Get("icr:order:2024:05:17")
	require.NoError(t, err)
	require.Equal(t, "1", value)
}

func TestNextID_SequencesAreIndependent(t *testing.T) {
	now := time.Date(2024, 5, 17, 8, 30, 0, 0, time.UTC)
	gen, _ := newTestGenerator(t, &fixedClock{now: now})
	ctx := context.Background()

	first, err := gen.NextID(ctx, "order")
	require.NoError(t, err)
	other, err := gen.NextID(ctx, "refund")
	require.NoError(t, err)

	require.Equal(t, Sequence(first), Sequence(other))
}

func TestNextID_CounterResetsNextDay(t *testing.T) {
	clock := &fixedClock{now: time.Date(2024, 5, 17, 23, 59, 59, 0, time.UTC)}
	gen, _ := newTestGenerator(t, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := gen.NextID(ctx, "order")
		require.NoError(t, err)
	}

	clock.Set(time.Date(2024, 5, 18, 0, 0, 1, 0, time.UTC))
	id, err := gen.NextID(ctx, "order")
	require.NoError(t, err)
	require.Equal(t, int64(1), Sequence(id))
}

func TestNextID_ConcurrentCallsAreDistinct(t *testing.T) {
	now := time.Date(2024, 5, 17, 8, 30, 0, 0, time.UTC)
	gen, _ := newTestGenerator(t, &fixedClock{now: now})
	ctx := context.Background()

	const calls = 1000
	ids := make(chan int64, calls)
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := gen.NextID(ctx, "order")
			if err != nil {
				t.Errorf("NextID failed: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]struct{}, calls)
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %d", id)
		seen[id] = struct{}{}
		require.Equal(t, now, Timestamp(id))
	}
	require.Len(t, seen, calls)
}

func TestNextID_SequenceExhausted(t *testing.T) {
	now := time.Date(2024, 5, 17, 8, 30, 0, 0, time.UTC)
	gen, mr := newTestGenerator(t, &fixedClock{now: now})

	require.NoError(t, mr.Set(CounterKey("order", now), "4294967295"))

	_, err := gen.NextID(context.Background(), "order")
	require.True(t, errors.Is(err, ErrSequenceExhausted), "unexpected error: %v", err)
}

func TestNextID_BackendUnavailable(t *testing.T) {
	gen, mr := newTestGenerator(t, nil)
	mr.Close()

	_, err := gen.NextID(context.Background(), "order")
	require.ErrorIs(t, err, ErrIDBackend)
}

func TestNextID_ClockBeforeEpoch(t *testing.T) {
	gen, _ := newTestGenerator(t, &fixedClock{now: time.Date(2021, 12, 31, 0, 0, 0, 0, time.UTC)})

	_, err := gen.NextID(context.Background(), "order")
	require.ErrorIs(t, err, ErrClockBeforeEpoch)
}
