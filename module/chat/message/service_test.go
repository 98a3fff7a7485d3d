package message

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"ChatCore/module/chat/model"
	"ChatCore/service/bus"
	"ChatCore/service/route"
	"ChatCore/tools/errs"
	"ChatCore/tools/ids"
)

// errorBus fails every publish; subscriptions are irrelevant to these tests.
type errorBus struct{}

func (errorBus) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	return errs.ErrTransport.Wrap()
}
func (errorBus) Subscribe(subject, queue string, h bus.Handler) error { return nil }
func (errorBus) Close() error                                         { return nil }

func newTestService(t *testing.T, serverID, totalServers int, b bus.Bus) (*Service, *MemStore) {
	t.Helper()
	r, err := route.New(serverID, totalServers)
	require.NoError(t, err)
	store := NewMemStore()
	svc := NewService(Conf{}, r, ids.NewRegistry(), store, b)
	return svc, store
}

func TestSendRejectsUnownedChannel(t *testing.T) {
	// fnv32a("ch1") mod 2 == 1, so server 0 of 2 does not own it.
	svc, store := newTestService(t, 0, 2, bus.NewSyncMemBus())

	_, err := svc.Send(context.Background(), "ch1", "u1", "hi")
	require.ErrorIs(t, err, errs.ErrNotOwner)

	rows, err := store.MessagesAfter(context.Background(), "ch1", "")
	require.NoError(t, err)
	require.Empty(t, rows, "a rejected send must not reach the durable store")
}

func TestSendStampsStrictlyIncreasingIds(t *testing.T) {
	svc, _ := newTestService(t, 0, 1, bus.NewSyncMemBus())
	ctx := context.Background()

	prev := ""
	for i := 0; i < 50; i++ {
		ev, err := svc.Send(ctx, "ch2", "u1", "m")
		require.NoError(t, err)
		if prev != "" {
			require.Positive(t, ids.Compare(ev.TimestampID, prev))
		}
		prev = ev.TimestampID
	}
}

func TestSendPublishFailureKeepsDurableWrite(t *testing.T) {
	svc, store := newTestService(t, 0, 1, errorBus{})
	ctx := context.Background()

	ev, err := svc.Send(ctx, "ch2", "u1", "hello")
	require.ErrorIs(t, err, errs.ErrTransport)
	require.NotNil(t, ev, "the stamped event is returned even when fan-out fails")

	rows, err := store.MessagesAfter(ctx, "ch2", "")
	require.NoError(t, err)
	require.Len(t, rows, 1, "the durable write is not rolled back")
	require.Equal(t, ev.TimestampID, rows[0].TimestampID)
}

func TestSendBroadcastsFanoutEvent(t *testing.T) {
	b := bus.NewSyncMemBus()
	svc, _ := newTestService(t, 0, 1, b)
	ctx := context.Background()

	var subjects []string
	require.NoError(t, b.Subscribe(bus.SubjectFanout, "", func(ctx context.Context, subject string, data []byte) error {
		subjects = append(subjects, subject)
		return nil
	}))

	_, err := svc.Send(ctx, "ch2", "u1", "hello")
	require.NoError(t, err)
	require.Equal(t, []string{bus.SubjectFanout}, subjects)
}

func TestSendFlagsMentionEvents(t *testing.T) {
	b := bus.NewSyncMemBus()
	svc, _ := newTestService(t, 0, 1, b)
	ctx := context.Background()

	var types []string
	require.NoError(t, b.Subscribe(bus.SubjectFanout, "", func(ctx context.Context, subject string, data []byte) error {
		var ev model.FanoutEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		types = append(types, ev.Type)
		return nil
	}))

	_, err := svc.Send(ctx, "ch2", "u1", "plain message with an email a@b")
	require.NoError(t, err)
	_, err = svc.Send(ctx, "ch2", "u1", "ping @bob about this")
	require.NoError(t, err)
	require.Equal(t, []string{model.EventMessage, model.EventMention}, types)
}

func TestReplayReturnsMessagesAfterId(t *testing.T) {
	svc, _ := newTestService(t, 0, 1, bus.NewSyncMemBus())
	ctx := context.Background()

	var sent []string
	for i := 0; i < 5; i++ {
		ev, err := svc.Send(ctx, "ch2", "u1", "m")
		require.NoError(t, err)
		sent = append(sent, ev.TimestampID)
	}

	got, err := svc.Replay(ctx, "ch2", sent[1])
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, ev := range got {
		require.Equal(t, sent[i+2], ev.TimestampID, "oldest first, strictly after the cursor")
	}

	all, err := svc.Replay(ctx, "ch2", "")
	require.NoError(t, err)
	require.Len(t, all, 5)
}
