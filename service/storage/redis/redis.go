package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"ChatCore/tools/errs"
)

// Config for the cache store connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Open connects and pings once so a bad cache address fails at startup, not
// on the first request. The client is passed to components by construction;
// there is no package-level instance.
func Open(c Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errs.WrapMsg(err, "redis ping")
	}
	return rdb, nil
}
