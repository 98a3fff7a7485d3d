package readstate

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"ChatCore/logger"
	"ChatCore/module/chat/model"
	"ChatCore/service/bus"
	"ChatCore/tools/decode"
	"ChatCore/tools/ids"
)

// Reconciler repairs receipt updates that failed the primary durable path.
// The current cached value is the source of truth for "recent": when the
// cache has advanced past the dead-lettered value, the newer value is what
// gets persisted, and the GREATEST rule at the durable store makes even a
// stale replay harmless.
type Reconciler struct {
	cache   Cache
	durable Durable
	b       bus.Bus

	failures atomic.Int64
}

func NewReconciler(cache Cache, durable Durable, b bus.Bus) *Reconciler {
	return &Reconciler{cache: cache, durable: durable, b: b}
}

// Start subscribes to the dead-letter subject in a queue group so exactly
// one replica reconciles each dead letter.
func (r *Reconciler) Start() error {
	return r.b.Subscribe(bus.SubjectReceiptDLQ, bus.QueueReconcilers, r.handle)
}

func (r *Reconciler) handle(ctx context.Context, subject string, data []byte) error {
	up, err := decode.JSON[model.ReceiptUpdate](data)
	if err != nil {
		// A malformed dead letter can never succeed; count and drop.
		r.failures.Add(1)
		logger.Error("undecodable dead-letter receipt", zap.Error(err))
		return nil
	}

	value := up.LastReadTimestamp
	cached, err := r.cache.LastRead(ctx, up.UserID, up.ChannelID)
	if err != nil {
		logger.Warn("reconciler cache read failed, using dead-letter value",
			zap.String("user", up.UserID), zap.Error(err))
	} else if cached != "" && ids.Compare(cached, value) > 0 {
		value = cached
	}

	if err := r.durable.UpsertReceiptGreatest(ctx, up.UserID, up.ChannelID, value); err != nil {
		// Terminal for this attempt: counted for alerting, surfaced to the
		// transport for whatever redelivery it offers, never spun on inline.
		r.failures.Add(1)
		logger.Error("reconciliation failed",
			zap.String("user", up.UserID), zap.String("channel", up.ChannelID),
			zap.String("value", value), zap.Error(err))
		return err
	}

	logger.Info("reconciled receipt",
		zap.String("user", up.UserID), zap.String("channel", up.ChannelID),
		zap.String("value", value))
	return nil
}

// Failures reports terminal reconciliation errors since start.
func (r *Reconciler) Failures() int64 { return r.failures.Load() }
