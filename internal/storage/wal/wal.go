package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only，每行一個 JSON 事件）
// 2. 提供重放功能以恢復任務狀態
// 3. 支援重寫（compaction）：只保留每個任務最新的快照
// 4. 確保寫入持久性與資料完整性（CRC32）
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	stat, statErr := file.Stat()
	if statErr == nil && stat.Size() > 0 {
		lastEvent, err := GetLastEvent(path)
		if err != nil {
			file.Close()
			return nil, err
		}
		if lastEvent != nil {
			seq = lastEvent.Seq
		}
	}

	return &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,

		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - syncOnAppend 或 isForceFlush 時立即寫入並同步；否則等緩衝滿或超過 flushInterval
func (w *WAL) Append(eventType EventType, jobID types.JobID, payload []byte, isForceFlush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     jobID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   json.RawMessage(payload),
	}
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	needFlush := w.syncOnAppend || isForceFlush ||
		len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		return w.flushLocked()
	}
	return nil
}

// Flush 將緩衝事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 先 flush 緩衝，再從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件；handler 不可呼叫同一個 WAL
// - 遇到錯誤立即停止（*CorruptionError / *ChecksumError / handler 錯誤）
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = scan(file, func(event Event) error {
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		return handler(event)
	})
	return err
}

// Rewrite 以 events 取代整個日誌（compaction）
//
// 事件會重新編號（seq 從 1 開始）並重算 checksum。
// 先寫入臨時檔案再 rename，任何一步失敗原日誌保持不變。
func (w *WAL) Rewrite(events []Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	tmpPath := w.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	for i, event := range events {
		event.Seq = uint64(i + 1)
		event.Checksum = CalculateChecksum(event)
		if err := enc.Encode(event); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("wal: rewrite: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := w.file.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		w.closed = true
		return err
	}
	w.file = file
	w.encoder = json.NewEncoder(file)
	w.seq = uint64(len(events))
	w.lastFlushTime = time.Now()
	return nil
}

// Close 關閉 WAL；關閉後的實例不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	flushErr := w.flushLocked()
	w.closed = true
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 日誌檔案路徑
func (w *WAL) Path() string { return w.path }

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return nil
}

// scan 逐一解碼事件並呼叫 fn，回傳最後一個成功處理的 seq。
// JSON 無法解析時回傳 *CorruptionError。
func scan(r io.Reader, fn func(Event) error) (uint64, error) {
	decoder := json.NewDecoder(r)
	var last uint64
	for {
		var event Event
		offset := decoder.InputOffset()
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return last, nil
			}
			return last, &CorruptionError{Seq: last, Offset: offset, Cause: err}
		}
		if err := fn(event); err != nil {
			return last, err
		}
		last = event.Seq
	}
}
