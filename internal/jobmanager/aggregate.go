package jobmanager

import "github.com/ChuLiYu/pulmoscan/pkg/types"

// Aggregate 由 item 狀態推導任務狀態（純函數，與 item 完成順序無關）
//
// 規則（依序）:
//   - 全部 pending                 → Pending
//   - 任何 item 尚未解決            → Processing
//   - 任何 item 被取消              → Cancelled
//   - 全部成功                     → Completed
//   - 全部失敗                     → Failed
//   - 其餘（成功與失敗混合）         → PartiallyFailed
func Aggregate(items []types.ItemResult) types.JobStatus {
	var pending, processing, succeeded, failed, cancelled int
	for _, it := range items {
		switch it.Status {
		case types.ItemPending:
			pending++
		case types.ItemProcessing:
			processing++
		case types.ItemSucceeded:
			succeeded++
		case types.ItemFailed:
			failed++
		case types.ItemCancelled:
			cancelled++
		default:
			// unknown status never counts as resolved
			processing++
		}
	}

	n := len(items)
	switch {
	case pending == n:
		return types.JobPending
	case pending+processing > 0:
		return types.JobProcessing
	case cancelled > 0:
		return types.JobCancelled
	case succeeded == n:
		return types.JobCompleted
	case failed == n:
		return types.JobFailed
	default:
		return types.JobPartiallyFailed
	}
}

// recount 重新計算任務的統計欄位與狀態
func recount(job *types.JobSnapshot) {
	job.Total = len(job.Items)
	job.Succeeded, job.Failed, job.Cached = 0, 0, 0
	for _, it := range job.Items {
		switch it.Status {
		case types.ItemSucceeded:
			job.Succeeded++
			if it.FromCache {
				job.Cached++
			}
		case types.ItemFailed:
			job.Failed++
		case types.ItemPending, types.ItemProcessing, types.ItemCancelled:
		}
	}
	job.CacheHitRate = 0
	if job.Total > 0 {
		job.CacheHitRate = float64(job.Cached) / float64(job.Total)
	}
	job.Status = Aggregate(job.Items)
}
