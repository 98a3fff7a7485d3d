package readstate

import (
	"context"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"ChatCore/tools/errs"
	"ChatCore/tools/ids"
)

// Cache is the fast-path store for unread indices and last-read receipts.
// The cache is authoritative for "now"; the durable store catches up behind
// it. Both receipt write sites apply the same monotonic rule because the
// live path and the reconciler race.
type Cache interface {
	// AddUnread records messageID as unread for (userID, channelID).
	AddUnread(ctx context.Context, userID, channelID, messageID string) error
	// ClearUnreadThrough removes every unread id <= upTo.
	ClearUnreadThrough(ctx context.Context, userID, channelID, upTo string) error
	UnreadCount(ctx context.Context, userID, channelID string) (int64, error)
	UnreadIDs(ctx context.Context, userID, channelID string) ([]string, error)

	// SetLastReadIfGreater applies ts only when ts >= current (lexicographic
	// compare-and-set). Returns whether the write was applied.
	SetLastReadIfGreater(ctx context.Context, userID, channelID, ts string) (bool, error)
	LastRead(ctx context.Context, userID, channelID string) (string, error)
}

func unreadKey(userID, channelID string) string {
	return "unread:" + userID + ":" + channelID
}

func receiptKey(userID, channelID string) string {
	return "readreceipt:" + userID + ":" + channelID
}

// Every id reaching this script is in fixed-width canonical form (generated
// ids by construction, client ids via ids.Canonicalize at the gateway), so
// Lua's string compare is the chronological compare. GET/SET under one script
// keeps the CAS atomic against concurrent writers.
var casReceiptScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if (not cur) or (ARGV[1] >= cur) then
  redis.call("SET", KEYS[1], ARGV[1])
  return 1
end
return 0
`)

type redisCache struct {
	rdb *redis.Client
}

// NewRedisCache stores unread ids in lex-ordered sorted sets (all scores 0)
// and receipts as plain strings guarded by the CAS script.
func NewRedisCache(rdb *redis.Client) Cache {
	return &redisCache{rdb: rdb}
}

func (c *redisCache) AddUnread(ctx context.Context, userID, channelID, messageID string) error {
	err := c.rdb.ZAdd(ctx, unreadKey(userID, channelID),
		redis.Z{Score: 0, Member: messageID}).Err()
	if err != nil {
		return errs.ErrCache.WrapMsg(err.Error())
	}
	return nil
}

func (c *redisCache) ClearUnreadThrough(ctx context.Context, userID, channelID, upTo string) error {
	err := c.rdb.ZRemRangeByLex(ctx, unreadKey(userID, channelID),
		"-", "["+upTo).Err()
	if err != nil {
		return errs.ErrCache.WrapMsg(err.Error())
	}
	return nil
}

func (c *redisCache) UnreadCount(ctx context.Context, userID, channelID string) (int64, error) {
	n, err := c.rdb.ZCard(ctx, unreadKey(userID, channelID)).Result()
	if err != nil {
		return 0, errs.ErrCache.WrapMsg(err.Error())
	}
	return n, nil
}

func (c *redisCache) UnreadIDs(ctx context.Context, userID, channelID string) ([]string, error) {
	ids, err := c.rdb.ZRangeByLex(ctx, unreadKey(userID, channelID),
		&redis.ZRangeBy{Min: "-", Max: "+"}).Result()
	if err != nil {
		return nil, errs.ErrCache.WrapMsg(err.Error())
	}
	return ids, nil
}

func (c *redisCache) SetLastReadIfGreater(ctx context.Context, userID, channelID, ts string) (bool, error) {
	res, err := casReceiptScript.Run(ctx, c.rdb,
		[]string{receiptKey(userID, channelID)}, ts).Int()
	if err != nil {
		return false, errs.ErrCache.WrapMsg(err.Error())
	}
	return res == 1, nil
}

func (c *redisCache) LastRead(ctx context.Context, userID, channelID string) (string, error) {
	v, err := c.rdb.Get(ctx, receiptKey(userID, channelID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errs.ErrCache.WrapMsg(err.Error())
	}
	return v, nil
}

// MemCache is the in-process twin used by tests and single-node dev mode.
type MemCache struct {
	mu       sync.Mutex
	unread   map[string]map[string]struct{} // key -> set of message ids
	receipts map[string]string
}

func NewMemCache() *MemCache {
	return &MemCache{
		unread:   make(map[string]map[string]struct{}),
		receipts: make(map[string]string),
	}
}

func (c *MemCache) AddUnread(ctx context.Context, userID, channelID, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := unreadKey(userID, channelID)
	if c.unread[k] == nil {
		c.unread[k] = make(map[string]struct{})
	}
	c.unread[k][messageID] = struct{}{}
	return nil
}

func (c *MemCache) ClearUnreadThrough(ctx context.Context, userID, channelID, upTo string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.unread[unreadKey(userID, channelID)] {
		if ids.Compare(id, upTo) <= 0 {
			delete(c.unread[unreadKey(userID, channelID)], id)
		}
	}
	return nil
}

func (c *MemCache) UnreadCount(ctx context.Context, userID, channelID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.unread[unreadKey(userID, channelID)])), nil
}

func (c *MemCache) UnreadIDs(ctx context.Context, userID, channelID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.unread[unreadKey(userID, channelID)]))
	for id := range c.unread[unreadKey(userID, channelID)] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *MemCache) SetLastReadIfGreater(ctx context.Context, userID, channelID, ts string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := receiptKey(userID, channelID)
	if cur, ok := c.receipts[k]; ok && ids.Compare(ts, cur) < 0 {
		return false, nil
	}
	c.receipts[k] = ts
	return true, nil
}

func (c *MemCache) LastRead(ctx context.Context, userID, channelID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receipts[receiptKey(userID, channelID)], nil
}
