package wal

import (
	"errors"
	"fmt"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrCorruptedWAL 日誌中有無法解析的記錄（通常是崩潰時寫到一半的結尾）
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch 記錄可以解析，但內容與 checksum 不符
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrWALClosed 日誌已關閉
	ErrWALClosed = errors.New("wal: already closed")

	// ErrSyncFailed fsync 失敗；已寫入的任務快照可能沒有落盤
	ErrSyncFailed = errors.New("wal: sync to disk failed")
)

// ChecksumError 帶有出錯記錄資訊的 checksum 錯誤，errors.Is 對應 ErrChecksumMismatch
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

// CorruptionError 日誌在 Offset 處無法繼續解析；Seq 是最後一筆完好記錄
type CorruptionError struct {
	Seq    uint64
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted after seq=%d at offset %d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruptedWAL }
