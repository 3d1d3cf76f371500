package cache

import (
	"context"
	"time"

	"github.com/ChuLiYu/pulmoscan/internal/errdefs"
	"github.com/ChuLiYu/pulmoscan/internal/fingerprint"
)

// Result 分類結果（快取的值）
type Result struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Entry 快取項目，寫入後不可變
type Entry struct {
	Result
	ComputedAt time.Time     `json:"computed_at"`
	TTL        time.Duration `json:"ttl"`
}

// Expired reports whether the entry is past its TTL at now. A zero TTL never
// expires.
func (e Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return !now.Before(e.ComputedAt.Add(e.TTL))
}

// Store 快取後端。實作需自行處理並發安全。
// 無法連線時回傳包裹 errdefs.ErrCacheUnavailable 的錯誤。
type Store interface {
	Get(ctx context.Context, fp fingerprint.Fingerprint) (Entry, bool, error)
	Put(ctx context.Context, fp fingerprint.Fingerprint, e Entry) error
}

// DisabledStore is a store that is always unavailable. The engine treats it
// as a permanent cache bypass.
type DisabledStore struct{}

var _ Store = DisabledStore{}

func (DisabledStore) Get(context.Context, fingerprint.Fingerprint) (Entry, bool, error) {
	return Entry{}, false, errdefs.ErrCacheUnavailable
}

func (DisabledStore) Put(context.Context, fingerprint.Fingerprint, Entry) error {
	return errdefs.ErrCacheUnavailable
}
