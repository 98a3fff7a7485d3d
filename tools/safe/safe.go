package safe

import (
	"ChatCore/logger"

	"go.uber.org/zap"
)

// Go starts a goroutine that recovers from panics so a single bad handler
// cannot take down the replica. Background pipeline workers (flush, sweep,
// reconcile, bus consumers) are all started through here.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panic recovered",
					zap.String("name", name), zap.Any("panic", r))
			}
		}()
		f()
	}()
}
