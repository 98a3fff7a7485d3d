package readstate

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"ChatCore/logger"
	"ChatCore/module/chat/model"
	"ChatCore/service/bus"
	"ChatCore/tools/safe"
)

// Durable is the slice of the message store the pipeline needs: the
// monotonic receipt upsert plus enough of the message log to rebuild an
// evicted unread index.
type Durable interface {
	UpsertReceiptGreatest(ctx context.Context, userID, channelID, ts string) error
	Receipt(ctx context.Context, userID, channelID string) (string, error)
	MessagesAfter(ctx context.Context, channelID, after string) ([]*model.MessageRow, error)
}

// Members resolves channel membership for unread bookkeeping.
type Members interface {
	MembersOf(ctx context.Context, channelID string) ([]string, error)
}

type Conf struct {
	PersistQueue int           // buffered persist jobs
	MaxAttempts  int           // durable write attempts before dead-lettering
	RetryBackoff time.Duration // backoff between attempts
}

func (c *Conf) norm() {
	if c.PersistQueue <= 0 {
		c.PersistQueue = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
}

// Pipeline keeps unread counters and read receipts eventually consistent:
// cache writes are synchronous on the request path, durable persistence runs
// behind a queue, and failed durable writes detour through the dead-letter
// subject to the reconciler.
type Pipeline struct {
	conf    Conf
	cache   Cache
	durable Durable
	members Members
	b       bus.Bus

	persistCh chan model.ReceiptUpdate
}

func NewPipeline(conf Conf, cache Cache, durable Durable, members Members, b bus.Bus) *Pipeline {
	conf.norm()
	return &Pipeline{
		conf:      conf,
		cache:     cache,
		durable:   durable,
		members:   members,
		b:         b,
		persistCh: make(chan model.ReceiptUpdate, conf.PersistQueue),
	}
}

// HandleFanout applies one fan-out event to the unread indices: every channel
// member except the author gains an unread entry. Cache writes only; fast.
func (p *Pipeline) HandleFanout(ctx context.Context, ev *model.FanoutEvent) error {
	if ev.Type != model.EventMessage && ev.Type != model.EventMention {
		return nil
	}
	members, err := p.members.MembersOf(ctx, ev.ChannelID)
	if err != nil {
		return err
	}
	for _, user := range members {
		if user == ev.UserID {
			continue
		}
		if err := p.cache.AddUnread(ctx, user, ev.ChannelID, ev.TimestampID); err != nil {
			return err
		}
	}
	return nil
}

// MarkRead is the client-facing read path: synchronous cache update with the
// monotonic CAS, then a READ broadcast for other replicas' clients, then the
// durable write queued off the request path.
func (p *Pipeline) MarkRead(ctx context.Context, userID, channelID, ts string) error {
	applied, err := p.cache.SetLastReadIfGreater(ctx, userID, channelID, ts)
	if err != nil {
		return err
	}
	if err := p.cache.ClearUnreadThrough(ctx, userID, channelID, ts); err != nil {
		return err
	}
	if !applied {
		// A newer receipt already exists; nothing to broadcast or persist.
		return nil
	}

	ev := &model.FanoutEvent{
		Type:        model.EventRead,
		ChannelID:   channelID,
		UserID:      userID,
		CreatedAt:   time.Now().UnixMilli(),
		TimestampID: ts,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("marshal read event", zap.Error(err))
	} else if err := p.b.Publish(ctx, bus.SubjectFanout, data, userID+"|"+channelID+"|"+ts); err != nil {
		// Background-path failure: the cache is updated and other replicas
		// converge through durable state; log, never fail the caller.
		logger.Warn("read broadcast failed",
			zap.String("user", userID), zap.String("channel", channelID), zap.Error(err))
	}

	p.enqueuePersist(ctx, model.ReceiptUpdate{
		UserID: userID, ChannelID: channelID, LastReadTimestamp: ts,
	})
	return nil
}

func (p *Pipeline) enqueuePersist(ctx context.Context, up model.ReceiptUpdate) {
	select {
	case p.persistCh <- up:
	default:
		// The persist queue is saturated; skip the retry stage and hand the
		// update straight to the reconciler rather than blocking or dropping.
		logger.Warn("persist queue full, dead-lettering receipt",
			zap.String("user", up.UserID), zap.String("channel", up.ChannelID))
		p.deadLetter(ctx, up)
	}
}

// Run starts the persist worker; it stops when ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	safe.Go("readstate-persist", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case up := <-p.persistCh:
				p.persist(ctx, up)
			}
		}
	})
}

func (p *Pipeline) persist(ctx context.Context, up model.ReceiptUpdate) {
	var lastErr error
	for attempt := 1; attempt <= p.conf.MaxAttempts; attempt++ {
		lastErr = p.durable.UpsertReceiptGreatest(ctx, up.UserID, up.ChannelID, up.LastReadTimestamp)
		if lastErr == nil {
			return
		}
		up.Attempts = attempt
		if attempt < p.conf.MaxAttempts {
			time.Sleep(p.conf.RetryBackoff * time.Duration(attempt))
		}
	}
	logger.Warn("receipt persist exhausted retries, dead-lettering",
		zap.String("user", up.UserID), zap.String("channel", up.ChannelID),
		zap.Int("attempts", up.Attempts), zap.Error(lastErr))
	p.deadLetter(ctx, up)
}

func (p *Pipeline) deadLetter(ctx context.Context, up model.ReceiptUpdate) {
	data, err := json.Marshal(up)
	if err != nil {
		logger.Error("marshal dead-letter receipt", zap.Error(err))
		return
	}
	msgID := up.UserID + "|" + up.ChannelID + "|" + up.LastReadTimestamp
	if err := p.b.Publish(ctx, bus.SubjectReceiptDLQ, data, msgID); err != nil {
		// Both the durable store and the bus are down; this needs alerting,
		// not another retry loop.
		logger.Error("dead-letter publish failed",
			zap.String("user", up.UserID), zap.String("channel", up.ChannelID), zap.Error(err))
	}
}

// UnreadCount serves the badge query from cache.
func (p *Pipeline) UnreadCount(ctx context.Context, userID, channelID string) (int64, error) {
	return p.cache.UnreadCount(ctx, userID, channelID)
}

// LastRead serves receipt queries from cache, falling back to durable state
// when the cache has been evicted.
func (p *Pipeline) LastRead(ctx context.Context, userID, channelID string) (string, error) {
	ts, err := p.cache.LastRead(ctx, userID, channelID)
	if err != nil || ts != "" {
		return ts, err
	}
	return p.durable.Receipt(ctx, userID, channelID)
}

// RebuildUnread reconstructs (userID, channelID) read-state after cache
// eviction from durable messages and the durable receipt. Never invents
// state: only messages later than the durable receipt and authored by others
// become unread again.
func (p *Pipeline) RebuildUnread(ctx context.Context, userID, channelID string) error {
	last, err := p.durable.Receipt(ctx, userID, channelID)
	if err != nil {
		return err
	}
	if last != "" {
		if _, err := p.cache.SetLastReadIfGreater(ctx, userID, channelID, last); err != nil {
			return err
		}
	}
	rows, err := p.durable.MessagesAfter(ctx, channelID, last)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.UserID == userID {
			continue
		}
		if err := p.cache.AddUnread(ctx, userID, channelID, row.TimestampID); err != nil {
			return err
		}
	}
	return nil
}
