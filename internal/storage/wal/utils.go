package wal

// ============================================================================
// WAL 工具函式
// 職責：離線檢查、修復與匯出日誌檔案（CLI 的 journal 子命令使用）
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// GetLastEvent 讀取日誌中最後一個事件；空檔案回傳 nil
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var last *Event
	_, err = scan(file, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return last, err
	}
	return last, nil
}

// ValidateWAL 驗證整個日誌：JSON 格式、checksum、seq 嚴格遞增
func ValidateWAL(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var prev uint64
	_, err = scan(file, func(event Event) error {
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		if event.Seq <= prev {
			return fmt.Errorf("%w: seq %d after %d", ErrCorruptedWAL, event.Seq, prev)
		}
		prev = event.Seq
		return nil
	})
	return err
}

// RepairWAL 將 srcPath 中第一個損壞事件之前的有效事件複製到 dstPath，
// 回傳保留的事件數。srcPath 與 dstPath 可以相同（透過臨時檔案替換）。
func RepairWAL(srcPath, dstPath string) (int, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}

	var good []Event
	_, scanErr := scan(src, func(event Event) error {
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		good = append(good, event)
		return nil
	})
	src.Close()
	if scanErr != nil && !errors.Is(scanErr, ErrCorruptedWAL) && !errors.Is(scanErr, ErrChecksumMismatch) {
		return 0, scanErr
	}

	tmpPath := dstPath + ".repair"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(dst)
	for _, event := range good {
		if err := enc.Encode(event); err != nil {
			dst.Close()
			os.Remove(tmpPath)
			return 0, err
		}
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	return len(good), nil
}

// DumpWAL 以人類可讀格式輸出每個事件（不含 payload）
func DumpWAL(path string, w io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = scan(file, func(event Event) error {
		status := "ok"
		if VerifyChecksum(event) != nil {
			status = "BAD_CHECKSUM"
		}
		_, werr := fmt.Fprintf(w, "%8d  %-8s  %-36s  %d  %d bytes  %s\n",
			event.Seq, event.Type, event.JobID, event.Timestamp, len(event.Payload), status)
		return werr
	})
	return err
}

// WALStats 日誌統計
type WALStats struct {
	TotalEvents    int               `json:"total_events"`    // 總事件數
	DistinctJobs   int               `json:"distinct_jobs"`   // 不同任務數
	EventTypes     map[EventType]int `json:"event_types"`     // 各類型事件計數
	FirstSeq       uint64            `json:"first_seq"`       // 第一個事件的 seq
	LastSeq        uint64            `json:"last_seq"`        // 最後一個事件的 seq
	TimeRange      [2]int64          `json:"time_range"`      // 時間範圍 [最早, 最晚]
	CorruptedCount int               `json:"corrupted_count"` // checksum 不符的事件數
	Truncated      bool              `json:"truncated"`       // 結尾有無法解析的資料
}

// GetWALStats 計算日誌統計；結尾損壞時 Truncated=true 而非回傳錯誤
func GetWALStats(path string) (*WALStats, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stats := &WALStats{EventTypes: make(map[EventType]int)}
	jobs := make(map[string]struct{})
	_, err = scan(file, func(event Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
			stats.TimeRange[0] = event.Timestamp
		}
		stats.TotalEvents++
		stats.LastSeq = event.Seq
		stats.EventTypes[event.Type]++
		jobs[string(event.JobID)] = struct{}{}
		if event.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = event.Timestamp
		}
		if event.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = event.Timestamp
		}
		if VerifyChecksum(event) != nil {
			stats.CorruptedCount++
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrCorruptedWAL) {
			return nil, err
		}
		stats.Truncated = true
	}
	stats.DistinctJobs = len(jobs)
	return stats, nil
}
