// Package config loads the YAML configuration file, applies .env and
// PULMOSCAN_* environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/pulmoscan/internal/engine"
	"github.com/ChuLiYu/pulmoscan/internal/retry"
)

// ErrInvalid 配置驗證失敗
var ErrInvalid = errors.New("invalid configuration")

// 快取後端
const (
	CacheMemory   = "memory"
	CacheRedis    = "redis"
	CacheDisabled = "disabled"
)

// 持久化後端
const (
	SinkMemory   = "memory"
	SinkFile     = "file"
	SinkJournal  = "journal"
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Engine EngineConfig `yaml:"engine"`

	Retry struct {
		Fetch    retry.Policy `yaml:"fetch"`
		Executor retry.Policy `yaml:"executor"`
	} `yaml:"retry"`

	Cache       CacheConfig       `yaml:"cache"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Content     ContentConfig     `yaml:"content"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

// EngineConfig 排程與 worker 參數
type EngineConfig struct {
	Workers          int           `yaml:"workers"`
	MaxBatchSize     int           `yaml:"max_batch_size"`
	MaxWait          time.Duration `yaml:"max_wait"`
	QueueDepth       int           `yaml:"queue_depth"`
	PendingLimit     int           `yaml:"pending_limit"`
	BlockOnFull      bool          `yaml:"block_on_full"`
	MaxActiveItems   int           `yaml:"max_active_items"`
	JobTimeout       time.Duration `yaml:"job_timeout"`
	ExecTimeout      time.Duration `yaml:"exec_timeout"`
	FetchConcurrency int           `yaml:"fetch_concurrency"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	Retention        time.Duration `yaml:"retention"`
}

// CacheConfig 指紋快取
type CacheConfig struct {
	Backend  string        `yaml:"backend"` // memory | redis | disabled
	Capacity int           `yaml:"capacity"`
	Shards   int           `yaml:"shards"`
	TTL      time.Duration `yaml:"ttl"`
	Redis    struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`
}

// ExecutorConfig 推論後端
type ExecutorConfig struct {
	Backend    string        `yaml:"backend"` // http | digest
	Endpoint   string        `yaml:"endpoint"`
	Timeout    time.Duration `yaml:"timeout"`
	Preprocess bool          `yaml:"preprocess"`
	Resize     int           `yaml:"resize"`
	Crop       int           `yaml:"crop"`
}

// ContentConfig 原始內容來源
type ContentConfig struct {
	Backend  string        `yaml:"backend"` // fs | http
	BaseDir  string        `yaml:"base_dir"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxBytes int64         `yaml:"max_bytes"`
}

// PersistenceConfig 任務快照的持久化
type PersistenceConfig struct {
	Driver       string `yaml:"driver"` // memory | file | journal | sqlite | postgres
	Path         string `yaml:"path"`   // file: 目錄；journal: 檔案；sqlite: 資料庫檔
	DSN          string `yaml:"dsn"`    // postgres 連線字串
	Sync         bool   `yaml:"sync"`
	CompactEvery int    `yaml:"compact_every"`
}

// ServerConfig 對外介面
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// LogConfig 日誌
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// Default 返回預設配置
func Default() Config {
	e := engine.DefaultConfig()

	var cfg Config
	cfg.Engine = EngineConfig{
		Workers:          e.Workers,
		MaxBatchSize:     e.MaxBatchSize,
		MaxWait:          e.MaxWait,
		QueueDepth:       e.QueueDepth,
		PendingLimit:     e.PendingLimit,
		BlockOnFull:      e.BlockOnFull,
		MaxActiveItems:   e.MaxActiveItems,
		JobTimeout:       e.JobTimeout,
		ExecTimeout:      e.ExecTimeout,
		FetchConcurrency: e.FetchConcurrency,
		SweepInterval:    e.SweepInterval,
		Retention:        e.Retention,
	}
	cfg.Retry.Fetch = retry.DefaultPolicy()
	cfg.Retry.Executor = retry.DefaultPolicy()

	cfg.Cache.Backend = CacheMemory
	cfg.Cache.Capacity = 100000
	cfg.Cache.Shards = 64
	cfg.Cache.TTL = 7 * 24 * time.Hour
	cfg.Cache.Redis.Addr = "localhost:6379"
	cfg.Cache.Redis.KeyPrefix = "prediction:"

	cfg.Executor = ExecutorConfig{Backend: "http", Endpoint: "http://localhost:8500/v1/predict", Timeout: 30 * time.Second, Preprocess: true, Resize: 256, Crop: 224}
	cfg.Content = ContentConfig{Backend: "fs", BaseDir: ".", Timeout: 10 * time.Second, MaxBytes: 32 << 20}
	cfg.Persistence = PersistenceConfig{Driver: SinkMemory, CompactEvery: 1000}
	cfg.Server = ServerConfig{GRPCAddr: ":50051", HTTPAddr: ":9090"}
	cfg.Log = LogConfig{Level: "info", Format: "json"}
	return cfg
}

// Load 讀取配置：預設值 → YAML 檔 → .env → 環境變數，最後驗證。
// path 為空時只使用預設值與環境變數。
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// .env 不存在時忽略
	_ = godotenv.Load()

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ============================================================================
// 環境變數覆寫
// ============================================================================

const envPrefix = "PULMOSCAN_"

func (c *Config) overrides() map[string]func(string) error {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	num := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*dst = n
			return nil
		}
	}
	dur := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*dst = d
			return nil
		}
	}

	return map[string]func(string) error{
		"WORKERS":            num(&c.Engine.Workers),
		"MAX_BATCH_SIZE":     num(&c.Engine.MaxBatchSize),
		"MAX_WAIT":           dur(&c.Engine.MaxWait),
		"MAX_ACTIVE_ITEMS":   num(&c.Engine.MaxActiveItems),
		"JOB_TIMEOUT":        dur(&c.Engine.JobTimeout),
		"CACHE_BACKEND":      str(&c.Cache.Backend),
		"CACHE_TTL":          dur(&c.Cache.TTL),
		"REDIS_ADDR":         str(&c.Cache.Redis.Addr),
		"REDIS_PASSWORD":     str(&c.Cache.Redis.Password),
		"REDIS_DB":           num(&c.Cache.Redis.DB),
		"EXECUTOR_BACKEND":   str(&c.Executor.Backend),
		"EXECUTOR_ENDPOINT":  str(&c.Executor.Endpoint),
		"CONTENT_BACKEND":    str(&c.Content.Backend),
		"CONTENT_BASE_DIR":   str(&c.Content.BaseDir),
		"CONTENT_BASE_URL":   str(&c.Content.BaseURL),
		"PERSISTENCE_DRIVER": str(&c.Persistence.Driver),
		"PERSISTENCE_PATH":   str(&c.Persistence.Path),
		"DATABASE_DSN":       str(&c.Persistence.DSN),
		"GRPC_ADDR":          str(&c.Server.GRPCAddr),
		"HTTP_ADDR":          str(&c.Server.HTTPAddr),
		"LOG_LEVEL":          str(&c.Log.Level),
		"LOG_FORMAT":         str(&c.Log.Format),
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for key, apply := range c.overrides() {
		v, ok := lookup(envPrefix + key)
		if !ok || v == "" {
			continue
		}
		if err := apply(v); err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalid, envPrefix, key, v, err)
		}
	}

	// CACHE_ENABLED=false 優先於 CACHE_BACKEND
	if v, ok := lookup(envPrefix + "CACHE_ENABLED"); ok && v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sCACHE_ENABLED=%q: %v", ErrInvalid, envPrefix, v, err)
		}
		if !on {
			c.Cache.Backend = CacheDisabled
		}
	}
	return nil
}

// ============================================================================
// 驗證
// ============================================================================

// Validate 檢查配置是否可用
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	e := c.Engine
	check(e.Workers > 0, "engine.workers must be > 0")
	check(e.MaxBatchSize > 0, "engine.max_batch_size must be > 0")
	check(e.MaxWait > 0, "engine.max_wait must be > 0")
	check(e.FetchConcurrency > 0, "engine.fetch_concurrency must be > 0")
	check(e.SweepInterval > 0, "engine.sweep_interval must be > 0")
	check(c.Retry.Fetch.MaxAttempts >= 1, "retry.fetch.max_attempts must be >= 1")
	check(c.Retry.Executor.MaxAttempts >= 1, "retry.executor.max_attempts must be >= 1")

	switch c.Cache.Backend {
	case CacheMemory:
		check(c.Cache.Capacity > 0, "cache.capacity must be > 0")
		check(c.Cache.Shards > 0, "cache.shards must be > 0")
		check(c.Cache.Capacity >= c.Cache.Shards, "cache.capacity (%d) must be >= cache.shards (%d)", c.Cache.Capacity, c.Cache.Shards)
	case CacheRedis:
		check(c.Cache.Redis.Addr != "", "cache.redis.addr is required")
	case CacheDisabled:
	default:
		check(false, "cache.backend %q is not one of memory, redis, disabled", c.Cache.Backend)
	}

	switch c.Executor.Backend {
	case "http":
		check(c.Executor.Endpoint != "", "executor.endpoint is required for the http backend")
	case "digest":
	default:
		check(false, "executor.backend %q is not one of http, digest", c.Executor.Backend)
	}

	switch c.Content.Backend {
	case "fs":
		check(c.Content.BaseDir != "", "content.base_dir is required for the fs backend")
	case "http":
		check(c.Content.BaseURL != "", "content.base_url is required for the http backend")
	default:
		check(false, "content.backend %q is not one of fs, http", c.Content.Backend)
	}

	switch c.Persistence.Driver {
	case SinkMemory:
	case SinkFile, SinkJournal, SinkSQLite:
		check(c.Persistence.Path != "", "persistence.path is required for the %s driver", c.Persistence.Driver)
	case SinkPostgres:
		check(c.Persistence.DSN != "", "persistence.dsn is required for the postgres driver")
	default:
		check(false, "persistence.driver %q is not one of memory, file, journal, sqlite, postgres", c.Persistence.Driver)
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		check(false, "log.format %q is not one of json, text", c.Log.Format)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// EngineConfig 轉換成 engine.Config
func (c Config) EngineConfig() engine.Config {
	e := c.Engine
	return engine.Config{
		Workers:          e.Workers,
		MaxBatchSize:     e.MaxBatchSize,
		MaxWait:          e.MaxWait,
		QueueDepth:       e.QueueDepth,
		PendingLimit:     e.PendingLimit,
		BlockOnFull:      e.BlockOnFull,
		MaxActiveItems:   e.MaxActiveItems,
		JobTimeout:       e.JobTimeout,
		ExecTimeout:      e.ExecTimeout,
		FetchConcurrency: e.FetchConcurrency,
		SweepInterval:    e.SweepInterval,
		Retention:        e.Retention,
		ResultTTL:        c.Cache.TTL,
		FetchRetry:       c.Retry.Fetch,
		ExecRetry:        c.Retry.Executor,
	}
}

// ============================================================================
// Logger
// ============================================================================

// ParseLogLevel maps a level name to slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLogLevel(level)}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
