package presence

import (
	"context"
	"time"

	"ChatCore/logger"
	"ChatCore/tools/safe"

	"go.uber.org/zap"
)

// Conf tunes the aggregator. Zero values get sensible defaults.
type Conf struct {
	QueueSize  int           // bounded heartbeat queue capacity
	FlushBatch int           // max heartbeats drained per flush
	FlushEvery time.Duration // flush period
	SweepEvery time.Duration // stale sweep period
	TTL        time.Duration // a user is online iff now-score <= TTL
	Clock      func() time.Time
}

func (c *Conf) norm() {
	if c.QueueSize <= 0 {
		c.QueueSize = 8192
	}
	if c.FlushBatch <= 0 {
		c.FlushBatch = 1024
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Aggregator batches heartbeats into a queryable online index. The queue is
// bounded and lossy: under a load spike heartbeats are dropped, never
// blocking the caller. A dropped heartbeat costs nothing but a slightly
// staler stamp, repaired by the next one that gets through.
type Aggregator struct {
	conf  Conf
	store Store
	queue chan string
}

func NewAggregator(conf Conf, store Store) *Aggregator {
	conf.norm()
	return &Aggregator{
		conf:  conf,
		store: store,
		queue: make(chan string, conf.QueueSize),
	}
}

// Heartbeat offers a heartbeat without blocking. Returns false when the
// queue is saturated and the update was dropped.
func (a *Aggregator) Heartbeat(userID string) bool {
	select {
	case a.queue <- userID:
		return true
	default:
		return false
	}
}

// Run starts the flush and sweep loops; both stop when ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	safe.Go("presence-flush", func() {
		t := time.NewTicker(a.conf.FlushEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				a.FlushOnce(ctx)
			}
		}
	})
	safe.Go("presence-sweep", func() {
		t := time.NewTicker(a.conf.SweepEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				a.SweepOnce(ctx)
			}
		}
	})
}

// FlushOnce drains up to FlushBatch queued heartbeats and stamps them with
// one batched write. Later heartbeats for the same user within a batch
// collapse to a single stamp.
func (a *Aggregator) FlushOnce(ctx context.Context) {
	now := a.conf.Clock().Unix()
	stamps := make(map[string]int64)
	for len(stamps) < a.conf.FlushBatch {
		select {
		case user := <-a.queue:
			stamps[user] = now
		default:
			goto drained
		}
	}
drained:
	if len(stamps) == 0 {
		return
	}
	if err := a.store.Stamp(ctx, stamps); err != nil {
		logger.Warn("presence flush failed",
			zap.Int("count", len(stamps)), zap.Error(err))
	}
}

// SweepOnce removes every record staler than the TTL, independent of flush.
func (a *Aggregator) SweepOnce(ctx context.Context) {
	threshold := a.conf.Clock().Add(-a.conf.TTL).Unix()
	n, err := a.store.Prune(ctx, threshold)
	if err != nil {
		logger.Warn("presence sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Debug("presence sweep", zap.Int64("pruned", n))
	}
}

// OnlineAmong classifies the given ids against a single threshold computed
// once, in one batched store round trip. Store unavailability is a hard
// failure: presence is best-effort but never silently stale.
func (a *Aggregator) OnlineAmong(ctx context.Context, userIDs []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	threshold := a.conf.Clock().Add(-a.conf.TTL).Unix()
	scores, err := a.store.Scores(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	for user, sec := range scores {
		if sec >= threshold {
			out[user] = struct{}{}
		}
	}
	return out, nil
}
