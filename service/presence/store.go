package presence

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"ChatCore/tools/errs"
)

// Store is the sorted index of last-seen heartbeats: member = userID,
// score = epoch seconds.
type Store interface {
	// Stamp upserts every entry in one batched write.
	Stamp(ctx context.Context, stamps map[string]int64) error
	// Prune removes every record with a score strictly below threshold.
	Prune(ctx context.Context, threshold int64) (int64, error)
	// Scores returns the score for each id in one round trip; missing ids
	// are absent from the result.
	Scores(ctx context.Context, userIDs []string) (map[string]int64, error)
}

const onlineKey = "presence:online"

type redisStore struct {
	rdb *redis.Client
}

// NewRedisStore keeps presence in one cache-side sorted set.
func NewRedisStore(rdb *redis.Client) Store {
	return &redisStore{rdb: rdb}
}

func (s *redisStore) Stamp(ctx context.Context, stamps map[string]int64) error {
	if len(stamps) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(stamps))
	for user, sec := range stamps {
		members = append(members, redis.Z{Score: float64(sec), Member: user})
	}
	if err := s.rdb.ZAdd(ctx, onlineKey, members...).Err(); err != nil {
		return errs.ErrCache.WrapMsg(err.Error())
	}
	return nil
}

func (s *redisStore) Prune(ctx context.Context, threshold int64) (int64, error) {
	n, err := s.rdb.ZRemRangeByScore(ctx, onlineKey,
		"-inf", "("+strconv.FormatInt(threshold, 10)).Result()
	if err != nil {
		return 0, errs.ErrCache.WrapMsg(err.Error())
	}
	return n, nil
}

func (s *redisStore) Scores(ctx context.Context, userIDs []string) (map[string]int64, error) {
	if len(userIDs) == 0 {
		return map[string]int64{}, nil
	}
	members := make([]string, len(userIDs))
	copy(members, userIDs)
	scores, err := s.rdb.ZMScore(ctx, onlineKey, members...).Result()
	if err != nil {
		return nil, errs.ErrCache.WrapMsg(err.Error())
	}
	out := make(map[string]int64, len(userIDs))
	for i, sc := range scores {
		if sc == 0 {
			// ZMScore reports missing members as 0; a real heartbeat score
			// is always an epoch second, never 0.
			continue
		}
		out[userIDs[i]] = int64(sc)
	}
	return out, nil
}

// MemStore is the in-process twin used by tests and single-node dev mode.
type MemStore struct {
	mu     sync.RWMutex
	scores map[string]int64
}

func NewMemStore() *MemStore {
	return &MemStore{scores: make(map[string]int64)}
}

func (s *MemStore) Stamp(ctx context.Context, stamps map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for user, sec := range stamps {
		s.scores[user] = sec
	}
	return nil
}

func (s *MemStore) Prune(ctx context.Context, threshold int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for user, sec := range s.scores {
		if sec < threshold {
			delete(s.scores, user)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) Scores(ctx context.Context, userIDs []string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(userIDs))
	for _, u := range userIDs {
		if sec, ok := s.scores[u]; ok {
			out[u] = sec
		}
	}
	return out, nil
}
