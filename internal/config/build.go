package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/pulmoscan/internal/cache"
	"github.com/ChuLiYu/pulmoscan/internal/content"
	"github.com/ChuLiYu/pulmoscan/internal/executor"
	"github.com/ChuLiYu/pulmoscan/internal/jobmanager"
	"github.com/ChuLiYu/pulmoscan/internal/metrics"
	"github.com/ChuLiYu/pulmoscan/internal/snapshot"
	"github.com/ChuLiYu/pulmoscan/internal/storage/wal"
	"github.com/ChuLiYu/pulmoscan/internal/store"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// BuildCache 依 cache.backend 建立快取。
// Redis 連不上時只記錄警告：查詢會走 bypass，直到 Redis 恢復。
func (c Config) BuildCache(logger *slog.Logger, m *metrics.Collector) (*cache.Cache, io.Closer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cc := cache.Config{Shards: c.Cache.Shards, DefaultTTL: c.Cache.TTL}

	switch c.Cache.Backend {
	case CacheMemory:
		mem, err := cache.NewMemoryStore(c.Cache.Capacity, c.Cache.Shards, cache.WithEvictHook(m.RecordCacheEviction))
		if err != nil {
			return nil, nil, err
		}
		return cache.New(mem, cc, logger), nopCloser{}, nil

	case CacheRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.Cache.Redis.Addr,
			Password: c.Cache.Redis.Password,
			DB:       c.Cache.Redis.DB,
		})
		rs := cache.NewRedisStore(client, c.Cache.Redis.KeyPrefix)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rs.Ping(ctx); err != nil {
			logger.Warn("redis cache unreachable, lookups will bypass the cache",
				"addr", c.Cache.Redis.Addr, "error", err)
		}
		return cache.New(rs, cc, logger), rs, nil

	case CacheDisabled:
		logger.Info("result cache disabled")
		return cache.New(cache.DisabledStore{}, cc, logger), nopCloser{}, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown cache backend %q", ErrInvalid, c.Cache.Backend)
	}
}

// BuildSink 依 persistence.driver 建立任務持久化層
func (c Config) BuildSink(logger *slog.Logger) (jobmanager.Sink, io.Closer, error) {
	p := c.Persistence
	switch p.Driver {
	case SinkMemory:
		return jobmanager.NewMemorySink(), nopCloser{}, nil

	case SinkFile:
		m, err := snapshot.NewManager(p.Path)
		if err != nil {
			return nil, nil, err
		}
		return m, nopCloser{}, nil

	case SinkJournal:
		j, err := wal.OpenJournal(p.Path, wal.JournalOptions{
			SyncOnAppend: p.Sync,
			CompactEvery: p.CompactEvery,
			Repair:       true,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return j, j, nil

	case SinkSQLite, SinkPostgres:
		dsn := p.DSN
		if p.Driver == SinkSQLite && dsn == "" {
			dsn = p.Path
		}
		s, err := store.Open(p.Driver, dsn)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown persistence driver %q", ErrInvalid, p.Driver)
	}
}

// BuildExecutor 建立推論後端，preprocess 開啟時在前面加上影像前處理
func (c Config) BuildExecutor() (executor.Executor, error) {
	var exec executor.Executor
	switch c.Executor.Backend {
	case "http":
		h, err := executor.NewHTTP(executor.HTTPConfig{
			Endpoint: c.Executor.Endpoint,
			Timeout:  c.Executor.Timeout,
		})
		if err != nil {
			return nil, err
		}
		exec = h
	case "digest":
		exec = executor.Digest{}
	default:
		return nil, fmt.Errorf("%w: unknown executor backend %q", ErrInvalid, c.Executor.Backend)
	}

	if c.Executor.Preprocess {
		exec = executor.NewPreprocessor(exec, executor.PreprocessConfig{
			ResizeShort: c.Executor.Resize,
			CropSize:    c.Executor.Crop,
		})
	}
	return exec, nil
}

// BuildContent 建立原始內容來源
func (c Config) BuildContent() (content.Provider, error) {
	switch c.Content.Backend {
	case "fs":
		fs, err := content.NewFilesystem(c.Content.BaseDir, c.Content.MaxBytes)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "http":
		h, err := content.NewHTTP(c.Content.BaseURL, c.Content.Timeout, c.Content.MaxBytes)
		if err != nil {
			return nil, err
		}
		return h, nil
	default:
		return nil, fmt.Errorf("%w: unknown content backend %q", ErrInvalid, c.Content.Backend)
	}
}
