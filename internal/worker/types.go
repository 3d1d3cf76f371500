package worker

import (
	"time"

	"github.com/ChuLiYu/pulmoscan/internal/cache"
	"github.com/ChuLiYu/pulmoscan/internal/scheduler"
)

// Outcome 單一 WorkItem 的執行結果
type Outcome struct {
	Result   cache.Result  // 成功時的分類結果
	Err      error         // 失敗原因（nil 代表成功）
	BatchID  string        // 所屬批次
	Attempts int           // executor 被呼叫的次數
	Duration time.Duration // 從開始處理批次到結果產生
}

// Reporter 接收每個 item 的結果，通常轉交給任務狀態機
type Reporter interface {
	Report(item scheduler.WorkItem, out Outcome)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(item scheduler.WorkItem, out Outcome)

func (f ReporterFunc) Report(item scheduler.WorkItem, out Outcome) { f(item, out) }
