package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemBusBroadcastIncludesPublisher(t *testing.T) {
	b := NewSyncMemBus()
	defer func() { _ = b.Close() }()

	var a, c int32
	require.NoError(t, b.Subscribe(SubjectFanout, "", func(ctx context.Context, subject string, data []byte) error {
		atomic.AddInt32(&a, 1)
		return nil
	}))
	require.NoError(t, b.Subscribe(SubjectFanout, "", func(ctx context.Context, subject string, data []byte) error {
		atomic.AddInt32(&c, 1)
		return nil
	}))

	require.NoError(t, b.Publish(context.Background(), SubjectFanout, []byte(`{"x":1}`), "m1"))
	require.EqualValues(t, 1, a, "every ungrouped subscriber sees the publish")
	require.EqualValues(t, 1, c)
}

func TestMemBusQueueGroupDeliversOnce(t *testing.T) {
	b := NewSyncMemBus()
	defer func() { _ = b.Close() }()

	var total int32
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Subscribe(SubjectReceiptDLQ, QueueReconcilers, func(ctx context.Context, subject string, data []byte) error {
			atomic.AddInt32(&total, 1)
			return nil
		}))
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), SubjectReceiptDLQ, []byte("u"), ""))
	}
	require.EqualValues(t, 10, total, "queue group must deliver each message to exactly one member")
}

func TestIdemMiddlewareDropsDuplicates(t *testing.T) {
	store := NewMemIdem(time.Minute)
	defer store.Close()

	var calls int32
	h := Chain(func(ctx context.Context, subject string, data []byte) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, IdemMiddleware(store, time.Minute, func(subject string, data []byte) string {
		return string(data)
	}))

	ctx := context.Background()
	require.NoError(t, h(ctx, SubjectFanout, []byte("ch1|100.000")))
	require.NoError(t, h(ctx, SubjectFanout, []byte("ch1|100.000")))
	require.NoError(t, h(ctx, SubjectFanout, []byte("ch1|100.001")))
	require.EqualValues(t, 2, calls)

	// No dedup id: always passes through.
	require.NoError(t, h(ctx, SubjectFanout, nil))
	require.NoError(t, h(ctx, SubjectFanout, nil))
	require.EqualValues(t, 4, calls)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, subject string, data []byte) error {
				order = append(order, name)
				return next(ctx, subject, data)
			}
		}
	}
	h := Chain(func(ctx context.Context, subject string, data []byte) error {
		order = append(order, "handler")
		return nil
	}, mk("outer"), mk("inner"))

	require.NoError(t, h(context.Background(), "s", nil))
	require.Equal(t, []string{"outer", "inner", "handler"}, order)
}
