package bus

import (
	"context"
	"sync"
	"time"

	"ChatCore/tools/safe"
)

// IdemStore answers "have I seen this id inside the TTL window" exactly once
// per id.
type IdemStore interface {
	SeenOnce(key string, ttl time.Duration) (seen bool, err error)
}

type memIdem struct {
	mu  sync.Mutex
	m   map[string]int64 // key -> expireUnix
	ttl time.Duration

	stop chan struct{}
}

// NewMemIdem is a single-process idempotency store with periodic expiry.
func NewMemIdem(defaultTTL time.Duration) *memIdem {
	mi := &memIdem{m: make(map[string]int64), ttl: defaultTTL, stop: make(chan struct{})}
	safe.Go("idem-expire", func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-mi.stop:
				return
			case <-t.C:
				now := time.Now().Unix()
				mi.mu.Lock()
				for k, exp := range mi.m {
					if exp <= now {
						delete(mi.m, k)
					}
				}
				mi.mu.Unlock()
			}
		}
	})
	return mi
}

func (mi *memIdem) Close() { close(mi.stop) }

func (mi *memIdem) SeenOnce(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := time.Now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if old, ok := mi.m[key]; ok && old > now.Unix() {
		return true, nil
	}
	mi.m[key] = now.Add(ttl).Unix()
	return false, nil
}

// IdemMiddleware drops deliveries whose dedup id was already processed within
// ttl. Ids come from keyFn (typically the transport message id header); a
// delivery with no id passes through untouched.
func IdemMiddleware(store IdemStore, ttl time.Duration, keyFn func(subject string, data []byte) string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, subject string, data []byte) error {
			id := keyFn(subject, data)
			if id == "" {
				return next(ctx, subject, data)
			}
			seen, _ := store.SeenOnce(subject+"|"+id, ttl)
			if seen {
				return nil
			}
			return next(ctx, subject, data)
		}
	}
}
