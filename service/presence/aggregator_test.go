package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingStore struct {
	*MemStore
	mu         sync.Mutex
	stampCalls int
}

func (c *countingStore) Stamp(ctx context.Context, stamps map[string]int64) error {
	c.mu.Lock()
	c.stampCalls++
	c.mu.Unlock()
	return c.MemStore.Stamp(ctx, stamps)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestOnlineWindowBoundary(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	store := NewMemStore()
	clock := base
	agg := NewAggregator(Conf{TTL: 60 * time.Second, Clock: func() time.Time { return clock }}, store)

	require.True(t, agg.Heartbeat("42"))
	agg.FlushOnce(context.Background())

	clock = base.Add(59 * time.Second)
	online, err := agg.OnlineAmong(context.Background(), []string{"42"})
	require.NoError(t, err)
	require.Contains(t, online, "42", "59s after heartbeat the user is online")

	clock = base.Add(61 * time.Second)
	online, err = agg.OnlineAmong(context.Background(), []string{"42"})
	require.NoError(t, err)
	require.Empty(t, online, "61s after heartbeat the user is offline")
}

func TestFlushBatchesIntoOneWrite(t *testing.T) {
	store := &countingStore{MemStore: NewMemStore()}
	agg := NewAggregator(Conf{Clock: fixedClock(time.Unix(1000, 0))}, store)

	for i := 0; i < 50; i++ {
		require.True(t, agg.Heartbeat(fmt.Sprintf("user-%d", i%10)))
	}
	agg.FlushOnce(context.Background())
	require.Equal(t, 1, store.stampCalls, "one flush is one batched write")

	scores, err := store.Scores(context.Background(), []string{"user-0", "user-9"})
	require.NoError(t, err)
	require.Len(t, scores, 2)
}

func TestHeartbeatDropsWhenSaturated(t *testing.T) {
	agg := NewAggregator(Conf{QueueSize: 4}, NewMemStore())

	accepted := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if agg.Heartbeat("u") {
				accepted++
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Heartbeat blocked on a saturated queue")
	}
	require.Equal(t, 4, accepted, "offers beyond capacity must be dropped")
}

func TestSweepPrunesStaleOnly(t *testing.T) {
	base := time.Unix(2_000_000, 0)
	store := NewMemStore()
	require.NoError(t, store.Stamp(context.Background(), map[string]int64{
		"fresh": base.Unix() - 30,
		"edge":  base.Unix() - 60,
		"stale": base.Unix() - 90,
	}))

	agg := NewAggregator(Conf{TTL: 60 * time.Second, Clock: fixedClock(base)}, store)
	agg.SweepOnce(context.Background())

	scores, err := store.Scores(context.Background(), []string{"fresh", "edge", "stale"})
	require.NoError(t, err)
	require.Contains(t, scores, "fresh")
	require.Contains(t, scores, "edge", "exactly-TTL-old record survives the sweep")
	require.NotContains(t, scores, "stale")
}

func TestOnlineAmongEmptyInput(t *testing.T) {
	agg := NewAggregator(Conf{}, NewMemStore())
	online, err := agg.OnlineAmong(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, online)
}
