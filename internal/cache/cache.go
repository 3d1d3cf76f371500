// ============================================================================
// PulmoScan Fingerprint Cache - 內容定址結果快取與計算保留
// ============================================================================
//
// Package: internal/cache
// 文件: cache.go
// 功能: 以內容指紋為 key 快取分類結果，並保證同一指紋同時最多一個計算
//
// 兩層結構:
//   1. Store - 真正存放結果（MemoryStore / RedisStore / DisabledStore）
//   2. 保留表 (reservations) - 記錄哪些指紋正在計算中
//
// 保留流程:
//   Get(fp) 未命中
//      ↓
//   TryReserve(fp)
//      ├─ 第一個呼叫者 → 取得 token，成為 owner，負責送去計算
//      └─ 之後的呼叫者 → AlreadyComputing=true，拿到 owner 的 Future 等待
//      ↓
//   Publish(fp, token, result) → 寫入 Store、喚醒所有等待者、釋放保留
//   Abandon(fp, token, err)    → 等待者收到 err、釋放保留
//
// 並發安全:
//   - 保留表分成 N 片，每片一把 sync.Mutex，以指紋決定分片
//   - 沒有全域鎖；不同指紋的保留互不影響
//   - Store 的 I/O 不在分片鎖內進行
//
// 降級:
//   Store 回傳 ErrCacheUnavailable 時只記錄警告，Get 視為未命中，
//   請求仍然可以經由計算完成。
//
// ============================================================================

package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/pulmoscan/internal/errdefs"
	"github.com/ChuLiYu/pulmoscan/internal/fingerprint"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDivergentResult 同一指紋寫入了不同的結果，代表 executor 不具決定性
	ErrDivergentResult = errors.New("cache: divergent result for fingerprint")
)

// DefaultTTL 與原本部署一致的 7 天
const DefaultTTL = 7 * 24 * time.Hour

// Config 快取參數
type Config struct {
	Shards     int           // 保留表分片數
	DefaultTTL time.Duration // Put 未指定 TTL 時使用
}

// Stats 快取統計
type Stats struct {
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	Bypassed uint64  `json:"bypassed"`
	InFlight int     `json:"in_flight"`
	HitRate  float64 `json:"hit_rate"`
}

// Hooks 讓呼叫者接上 metrics，全部可為 nil
type Hooks struct {
	OnLookup   func(result string) // "hit" | "miss" | "bypass"
	OnConflict func()
}

// Cache 指紋快取
type Cache struct {
	store      Store
	defaultTTL time.Duration
	shards     []*resShard
	nextToken  atomic.Uint64
	now        func() time.Time
	hooks      Hooks
	log        *slog.Logger

	hits, misses, bypassed atomic.Uint64
}

type resShard struct {
	mu       sync.Mutex
	inflight map[fingerprint.Fingerprint]*call
}

// call 一個正在進行中的計算
type call struct {
	token  uint64
	done   chan struct{}
	result Result
	err    error
}

// Reservation TryReserve 的回傳值
type Reservation struct {
	// AlreadyComputing 為 true 時，呼叫者不是 owner，應等待 Future
	AlreadyComputing bool
	// Token 只有 owner 持有，Publish / Abandon 需要帶上
	Token  uint64
	Future *Future
}

// Future 等待某個指紋的計算結果
type Future struct {
	c *call
}

// Done is closed once the computation is published or abandoned.
func (f *Future) Done() <-chan struct{} { return f.c.done }

// Wait blocks until the owner publishes or abandons, or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.c.done:
		return f.c.result, f.c.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// New 建立快取
func New(store Store, cfg Config, logger *slog.Logger) *Cache {
	if store == nil {
		store = DisabledStore{}
	}
	if cfg.Shards < 1 {
		cfg.Shards = 64
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		store:      store,
		defaultTTL: cfg.DefaultTTL,
		shards:     make([]*resShard, cfg.Shards),
		now:        time.Now,
		log:        logger,
	}
	for i := range c.shards {
		c.shards[i] = &resShard{inflight: make(map[fingerprint.Fingerprint]*call)}
	}
	return c
}

// SetHooks installs metric hooks. Call before the cache is shared.
func (c *Cache) SetHooks(h Hooks) { c.hooks = h }

// Store returns the backing store.
func (c *Cache) Store() Store { return c.store }

func (c *Cache) shard(fp fingerprint.Fingerprint) *resShard {
	return c.shards[fp.Shard(len(c.shards))]
}

func (c *Cache) lookup(result string) {
	if c.hooks.OnLookup != nil {
		c.hooks.OnLookup(result)
	}
}

// Get 純查詢，不會觸發計算。過期項目視為不存在。
// Store 不可用時記錄警告並回傳未命中。
func (c *Cache) Get(ctx context.Context, fp fingerprint.Fingerprint) (Entry, bool) {
	e, ok, err := c.store.Get(ctx, fp)
	if err != nil {
		c.bypassed.Add(1)
		c.lookup("bypass")
		c.log.Warn("cache lookup bypassed", "fingerprint", fp.Short(), "error", err)
		return Entry{}, false
	}
	if !ok || e.Expired(c.now()) {
		c.misses.Add(1)
		c.lookup("miss")
		return Entry{}, false
	}
	c.hits.Add(1)
	c.lookup("hit")
	return e, true
}

// Peek 與 Get 相同但不計入統計，也不記錄 bypass 警告
func (c *Cache) Peek(ctx context.Context, fp fingerprint.Fingerprint) (Entry, bool) {
	e, ok, err := c.store.Get(ctx, fp)
	if err != nil || !ok || e.Expired(c.now()) {
		return Entry{}, false
	}
	return e, true
}

// Put 寫入結果。ttl <= 0 使用預設 TTL。
// 已有未過期且不同的結果時拒絕覆寫並回傳 ErrDivergentResult。
func (c *Cache) Put(ctx context.Context, fp fingerprint.Fingerprint, res Result, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	existing, ok, err := c.store.Get(ctx, fp)
	if err == nil && ok && !existing.Expired(c.now()) && existing.Result != res {
		c.log.Error("divergent result for fingerprint",
			"fingerprint", fp.String(),
			"cached_label", existing.Label, "cached_confidence", existing.Confidence,
			"new_label", res.Label, "new_confidence", res.Confidence)
		return fmt.Errorf("%w %s", ErrDivergentResult, fp.Short())
	}

	entry := Entry{Result: res, ComputedAt: c.now(), TTL: ttl}
	if err := c.store.Put(ctx, fp, entry); err != nil {
		c.log.Warn("cache write bypassed", "fingerprint", fp.Short(), "error", err)
		return err
	}
	return nil
}

// TryReserve 嘗試成為指紋的計算 owner
func (c *Cache) TryReserve(fp fingerprint.Fingerprint) Reservation {
	s := c.shard(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.inflight[fp]; ok {
		return Reservation{AlreadyComputing: true, Future: &Future{c: existing}}
	}

	cl := &call{token: c.nextToken.Add(1), done: make(chan struct{})}
	s.inflight[fp] = cl
	return Reservation{Token: cl.token, Future: &Future{c: cl}}
}

// release 移除保留並回傳對應的 call；token 不符時回傳 nil
func (c *Cache) release(fp fingerprint.Fingerprint, token uint64) *call {
	s := c.shard(fp)
	s.mu.Lock()
	defer s.mu.Unlock()

	cl, ok := s.inflight[fp]
	if !ok || cl.token != token {
		return nil
	}
	delete(s.inflight, fp)
	return cl
}

func (c *Cache) conflict(op string, fp fingerprint.Fingerprint, token uint64) error {
	if c.hooks.OnConflict != nil {
		c.hooks.OnConflict()
	}
	c.log.Warn("reservation conflict, result discarded",
		"anomaly", "reservation_conflict", "op", op, "fingerprint", fp.Short(), "token", token)
	return fmt.Errorf("%w: %s %s", errdefs.ErrReservationConflict, op, fp.Short())
}

// Publish owner 發布計算結果：寫入 Store、喚醒等待者、釋放保留。
// Store 寫入失敗不影響等待者收到結果。
func (c *Cache) Publish(ctx context.Context, fp fingerprint.Fingerprint, token uint64, res Result, ttl time.Duration) error {
	s := c.shard(fp)
	s.mu.Lock()
	cl, ok := s.inflight[fp]
	live := ok && cl.token == token
	s.mu.Unlock()
	if !live {
		return c.conflict("publish", fp, token)
	}

	// 先寫入 Store 再釋放保留，讓釋放後的 Get 一定看得到結果
	putErr := c.Put(ctx, fp, res, ttl)

	cl = c.release(fp, token)
	if cl == nil {
		return c.conflict("publish", fp, token)
	}
	cl.result = res
	close(cl.done)

	if putErr != nil && !errors.Is(putErr, errdefs.ErrCacheUnavailable) {
		return putErr
	}
	return nil
}

// Abandon owner 放棄計算，所有等待者收到 err
func (c *Cache) Abandon(fp fingerprint.Fingerprint, token uint64, err error) error {
	cl := c.release(fp, token)
	if cl == nil {
		return c.conflict("abandon", fp, token)
	}
	if err == nil {
		err = errors.New("computation abandoned")
	}
	cl.err = err
	close(cl.done)
	return nil
}

// InFlight 目前保留中的指紋數
func (c *Cache) InFlight() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.inflight)
		s.mu.Unlock()
	}
	return n
}

// Sweep 清除過期項目（僅對支援的 Store 生效）
func (c *Cache) Sweep(ctx context.Context) int {
	if sw, ok := c.store.(interface{ Sweep(context.Context) int }); ok {
		return sw.Sweep(ctx)
	}
	return 0
}

// Stats 快取統計快照
func (c *Cache) Stats() Stats {
	hits, misses, bypassed := c.hits.Load(), c.misses.Load(), c.bypassed.Load()
	st := Stats{Hits: hits, Misses: misses, Bypassed: bypassed, InFlight: c.InFlight()}
	if total := hits + misses + bypassed; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	return st
}
