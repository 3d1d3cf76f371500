package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/ChuLiYu/pulmoscan/internal/fingerprint"
)

// MemoryStore 分片的有界 LRU 快取
// 每個分片有自己的互斥鎖，不同指紋的存取不會互相阻塞
type MemoryStore struct {
	shards  []*memShard
	now     func() time.Time
	onEvict func()
}

type memShard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[fingerprint.Fingerprint, Entry]
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides time.Now, used by TTL tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// WithEvictHook is called once for every entry pushed out by capacity.
func WithEvictHook(fn func()) MemoryOption {
	return func(m *MemoryStore) { m.onEvict = fn }
}

// NewMemoryStore 建立容量為 capacity、分成 shards 片的記憶體快取
func NewMemoryStore(capacity, shards int, opts ...MemoryOption) (*MemoryStore, error) {
	if shards < 1 {
		shards = 1
	}
	if capacity < shards {
		return nil, fmt.Errorf("cache: capacity %d smaller than shard count %d", capacity, shards)
	}

	m := &MemoryStore{
		shards: make([]*memShard, shards),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	perShard := (capacity + shards - 1) / shards
	for i := range m.shards {
		l, err := simplelru.NewLRU[fingerprint.Fingerprint, Entry](perShard, nil)
		if err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		m.shards[i] = &memShard{lru: l}
	}
	return m, nil
}

func (m *MemoryStore) shard(fp fingerprint.Fingerprint) *memShard {
	return m.shards[fp.Shard(len(m.shards))]
}

// Get 過期項目視為不存在並順便移除
func (m *MemoryStore) Get(_ context.Context, fp fingerprint.Fingerprint) (Entry, bool, error) {
	s := m.shard(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Get(fp)
	if !ok {
		return Entry{}, false, nil
	}
	if e.Expired(m.now()) {
		s.lru.Remove(fp)
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (m *MemoryStore) Put(_ context.Context, fp fingerprint.Fingerprint, e Entry) error {
	s := m.shard(fp)
	s.mu.Lock()
	evicted := s.lru.Add(fp, e)
	s.mu.Unlock()

	if evicted && m.onEvict != nil {
		m.onEvict()
	}
	return nil
}

// Sweep 移除所有已過期的項目，回傳移除數量
func (m *MemoryStore) Sweep(_ context.Context) int {
	now := m.now()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for _, k := range s.lru.Keys() {
			if e, ok := s.lru.Peek(k); ok && e.Expired(now) {
				s.lru.Remove(k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len 所有分片的項目總數（包含尚未清除的過期項目）
func (m *MemoryStore) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}
