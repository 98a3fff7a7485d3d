package bus

import (
	"context"
	"math/rand"
	"sync"

	"ChatCore/logger"
	"ChatCore/tools/safe"

	"go.uber.org/zap"
)

type memSub struct {
	queue string
	h     Handler
}

// MemBus is an in-process Bus used by tests and single-node dev mode. It
// keeps the contract honest: publishers get their own messages back, queue
// groups load-balance, handler errors are logged, not redelivered.
type MemBus struct {
	mu    sync.RWMutex
	subs  map[string][]memSub
	sync  bool // deliver inline instead of via goroutine (deterministic tests)
	close sync.Once
}

func NewMemBus() *MemBus {
	return &MemBus{subs: make(map[string][]memSub)}
}

// NewSyncMemBus delivers inline on Publish so tests see effects immediately.
func NewSyncMemBus() *MemBus {
	return &MemBus{subs: make(map[string][]memSub), sync: true}
}

func (b *MemBus) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	b.mu.RLock()
	subs := append([]memSub(nil), b.subs[subject]...)
	b.mu.RUnlock()

	// Pick one subscriber per queue group, deliver to every ungrouped one.
	byQueue := make(map[string][]memSub)
	for _, s := range subs {
		if s.queue == "" {
			b.deliver(ctx, s.h, subject, data)
			continue
		}
		byQueue[s.queue] = append(byQueue[s.queue], s)
	}
	for _, group := range byQueue {
		b.deliver(ctx, group[rand.Intn(len(group))].h, subject, data)
	}
	return nil
}

func (b *MemBus) deliver(ctx context.Context, h Handler, subject string, data []byte) {
	cp := append([]byte(nil), data...)
	if b.sync {
		if err := h(ctx, subject, cp); err != nil {
			logger.Warn("membus handler error", zap.String("subject", subject), zap.Error(err))
		}
		return
	}
	safe.Go("membus-deliver", func() {
		if err := h(context.Background(), subject, cp); err != nil {
			logger.Warn("membus handler error", zap.String("subject", subject), zap.Error(err))
		}
	})
}

func (b *MemBus) Subscribe(subject, queue string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[subject] = append(b.subs[subject], memSub{queue: queue, h: h})
	return nil
}

func (b *MemBus) Close() error {
	b.close.Do(func() {
		b.mu.Lock()
		b.subs = make(map[string][]memSub)
		b.mu.Unlock()
	})
	return nil
}
