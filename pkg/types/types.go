// Package types 定義了 pulmoscan 推論編排系統中使用的核心領域模型
package types

import "errors"

// ErrJobNotFound 在任何層級（記憶體或持久化）都找不到任務時回傳
var ErrJobNotFound = errors.New("job not found")

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務整體狀態，永遠由 item 狀態推導而來
type JobStatus string

const (
	JobPending         JobStatus = "pending"          // 尚無任何 item 開始處理
	JobProcessing      JobStatus = "processing"       // 至少一個 item 已派發或已解決，仍有未完成 item
	JobCompleted       JobStatus = "completed"        // 所有 item 成功
	JobPartiallyFailed JobStatus = "partially_failed" // 部分成功、部分失敗
	JobFailed          JobStatus = "failed"           // 所有 item 失敗
	JobCancelled       JobStatus = "cancelled"        // 被使用者取消
)

// Terminal 回報狀態是否為終止狀態（終止後不可再變更）
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobPartiallyFailed, JobFailed, JobCancelled:
		return true
	case JobPending, JobProcessing:
		return false
	default:
		return false
	}
}

// ItemStatus 單一 item 的狀態
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"    // 尚未取得內容或查詢快取
	ItemProcessing ItemStatus = "processing" // 已派發給排程器，或正在等待同指紋的計算結果
	ItemSucceeded  ItemStatus = "succeeded"  // 已取得分類結果
	ItemFailed     ItemStatus = "failed"     // 失敗，原因見 ErrorKind
	ItemCancelled  ItemStatus = "cancelled"  // 任務取消時仍未解決
)

// Terminal 回報 item 是否已解決
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemSucceeded, ItemFailed, ItemCancelled:
		return true
	case ItemPending, ItemProcessing:
		return false
	default:
		return false
	}
}

// ErrorKind 失敗 item 的錯誤分類
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindCorruptInput   ErrorKind = "corrupt_input"
	KindModelInference ErrorKind = "model_inference"
	KindTransientIO    ErrorKind = "transient_io"
	KindNotFound       ErrorKind = "not_found"
	KindTimeout        ErrorKind = "timeout"
	KindCancelled      ErrorKind = "cancelled"
	KindInternal       ErrorKind = "internal"
)

// ItemResult 任務中單一 item 的處理結果
type ItemResult struct {
	Index       int        `json:"index"`                 // 在提交時的位置
	SourceRef   string     `json:"source_ref"`            // 原始內容參照
	Fingerprint string     `json:"fingerprint,omitempty"` // 內容 SHA-256（十六進位）
	Status      ItemStatus `json:"status"`

	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	FromCache  bool    `json:"from_cache,omitempty"` // 結果來自快取，沒有觸發任何計算

	// 執行資訊；快取命中時皆為零值
	ProcessingTimeMS int64  `json:"processing_time_ms"`
	BatchID          string `json:"batch_id,omitempty"`
	Attempts         int    `json:"attempts,omitempty"` // executor 被呼叫的次數

	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`

	UpdatedAt int64 `json:"updated_at"` // Unix 毫秒
}

// JobSnapshot 任務的完整可序列化狀態
// 持久化層與查詢介面都使用這個結構
type JobSnapshot struct {
	ID     JobID        `json:"id"`
	Status JobStatus    `json:"status"`
	Items  []ItemResult `json:"items"`

	// 時間管理（使用 Unix 毫秒時間戳）
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	Deadline  *int64 `json:"deadline_ms,omitempty"`

	// 統計
	Total        int     `json:"total"`
	Succeeded    int     `json:"succeeded"`
	Failed       int     `json:"failed"`
	Cached       int     `json:"cached"`
	CacheHitRate float64 `json:"cache_hit_rate"`
}

// Clone 回傳深拷貝，呼叫端可以自由修改
func (j JobSnapshot) Clone() JobSnapshot {
	out := j
	out.Items = make([]ItemResult, len(j.Items))
	copy(out.Items, j.Items)
	if j.Deadline != nil {
		d := *j.Deadline
		out.Deadline = &d
	}
	return out
}
