package message

import (
	"context"
	"sort"
	"sync"

	"ChatCore/module/chat/model"
	"ChatCore/tools/ids"
)

// MemStore mirrors the Postgres store's semantics in memory, including the
// unique (channel_id, timestamp_id) index and the GREATEST receipt rule.
// Used by tests and single-node dev mode.
type MemStore struct {
	mu       sync.Mutex
	nextID   int64
	byChan   map[string][]*model.MessageRow
	byTSID   map[string]struct{} // channel|timestampID
	receipts map[string]string   // user|channel -> last_read
}

func NewMemStore() *MemStore {
	return &MemStore{
		byChan:   make(map[string][]*model.MessageRow),
		byTSID:   make(map[string]struct{}),
		receipts: make(map[string]string),
	}
}

// FailReceipts makes receipt upserts fail until re-enabled; drives the
// dead-letter path in tests.
type FailableStore struct {
	*MemStore
	mu           sync.Mutex
	failReceipts bool
	upserts      int
}

func NewFailableStore() *FailableStore {
	return &FailableStore{MemStore: NewMemStore()}
}

func (s *FailableStore) SetFailReceipts(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReceipts = v
}

func (s *FailableStore) ReceiptUpserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

func (s *FailableStore) UpsertReceiptGreatest(ctx context.Context, userID, channelID, ts string) error {
	s.mu.Lock()
	fail := s.failReceipts
	s.upserts++
	s.mu.Unlock()
	if fail {
		return ErrStoreUnavailable
	}
	return s.MemStore.UpsertReceiptGreatest(ctx, userID, channelID, ts)
}

// ErrStoreUnavailable stands in for a transient durable-store outage.
var ErrStoreUnavailable = errStoreUnavailable{}

type errStoreUnavailable struct{}

func (errStoreUnavailable) Error() string { return "durable store unavailable" }

func (s *MemStore) InsertMessage(ctx context.Context, m *model.MessageRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := m.ChannelID + "|" + m.TimestampID
	if _, dup := s.byTSID[key]; dup {
		return ErrDuplicate
	}
	s.nextID++
	cp := *m
	cp.ID = s.nextID
	s.byTSID[key] = struct{}{}
	s.byChan[m.ChannelID] = append(s.byChan[m.ChannelID], &cp)
	return nil
}

func (s *MemStore) MessagesAfter(ctx context.Context, channelID, after string) ([]*model.MessageRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.MessageRow
	for _, m := range s.byChan[channelID] {
		if ids.Compare(m.TimestampID, after) > 0 {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return ids.Compare(out[i].TimestampID, out[j].TimestampID) < 0
	})
	return out, nil
}

func (s *MemStore) UpsertReceiptGreatest(ctx context.Context, userID, channelID, ts string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userID + "|" + channelID
	if cur, ok := s.receipts[k]; ok && ids.Compare(cur, ts) > 0 {
		return nil
	}
	s.receipts[k] = ts
	return nil
}

func (s *MemStore) Receipt(ctx context.Context, userID, channelID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receipts[userID+"|"+channelID], nil
}
