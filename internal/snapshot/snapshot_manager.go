package snapshot

// ============================================================================
// 職責說明：
// 1. 每個任務一個 JSON 快照檔（<dir>/<job_id>.json），作為 jobmanager.Sink
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. List() 讓啟動時可以找出上次未完成的任務
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ChuLiYu/pulmoscan/internal/jobmanager"
	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrInvalidJobID        = errors.New("job id is not usable as a file name")
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

const fileExt = ".json"

// envelope 快照檔內容
type envelope struct {
	SchemaVer int               `json:"schema_version"`
	Job       types.JobSnapshot `json:"job"`
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 快照管理器
type Manager struct {
	dir string     // 快照目錄
	mu  sync.Mutex // 保護檔案操作
}

var (
	_ jobmanager.Sink   = (*Manager)(nil)
	_ jobmanager.Lister = (*Manager)(nil)
)

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例，目錄不存在時建立
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

func (m *Manager) path(id types.JobID) (string, error) {
	s := string(id)
	if s == "" || strings.ContainsAny(s, `/\`) || s == "." || s == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, s)
	}
	return filepath.Join(m.dir, s+fileExt), nil
}

// Save 原子性寫入單一任務的快照
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Save(_ context.Context, job types.JobSnapshot) error {
	path, err := m.path(job.ID)
	if err != nil {
		return err
	}

	jsonBytes, err := json.MarshalIndent(envelope{SchemaVer: SchemaVersion, Job: job}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入單一任務
//
// 行為：
//   - 檔案不存在 → types.ErrJobNotFound
//   - JSON 無法解析 → ErrCorruptedSnapshot
//   - 版本不符 → ErrIncompatibleVersion
func (m *Manager) Load(_ context.Context, id types.JobID) (types.JobSnapshot, error) {
	path, err := m.path(id)
	if err != nil {
		return types.JobSnapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return readFile(path)
}

func readFile(path string) (types.JobSnapshot, error) {
	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.JobSnapshot{}, types.ErrJobNotFound
		}
		return types.JobSnapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(jsonBytes, &env); err != nil {
		return types.JobSnapshot{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if env.SchemaVer != SchemaVersion {
		return types.JobSnapshot{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, env.SchemaVer, SchemaVersion)
	}
	return env.Job, nil
}

// List 載入目錄中所有任務，依建立時間排序。損壞的檔案會讓整個 List 失敗。
func (m *Manager) List(_ context.Context) ([]types.JobSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot dir: %w", err)
	}

	var jobs []types.JobSnapshot
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != fileExt {
			continue
		}
		job, err := readFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt < jobs[j].CreatedAt })
	return jobs, nil
}

// Remove 刪除任務快照；不存在時不視為錯誤
func (m *Manager) Remove(id types.JobID) error {
	path, err := m.path(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists 檢查任務快照是否存在
func (m *Manager) Exists(id types.JobID) bool {
	path, err := m.path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Dir 取得快照目錄（用於測試與除錯）
func (m *Manager) Dir() string {
	return m.dir
}
