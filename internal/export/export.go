// Package export renders terminal jobs as flat per-item records.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

// ErrNotTerminal 任務尚未結束，不能匯出
var ErrNotTerminal = errors.New("job is not terminal")

// Header 匯出欄位
var Header = []string{"job_id", "item_index", "source_ref", "label", "confidence", "status"}

// Record 一個 item 一筆
type Record struct {
	JobID      types.JobID      `json:"job_id"`
	ItemIndex  int              `json:"item_index"`
	SourceRef  string           `json:"source_ref"`
	Label      string           `json:"label"`
	Confidence float64          `json:"confidence"`
	Status     types.ItemStatus `json:"status"`
}

// Row CSV 欄位值；失敗的 item label 與 confidence 為空
func (r Record) Row() []string {
	conf := ""
	if r.Status == types.ItemSucceeded {
		conf = strconv.FormatFloat(r.Confidence, 'f', 6, 64)
	}
	return []string{
		string(r.JobID),
		strconv.Itoa(r.ItemIndex),
		r.SourceRef,
		r.Label,
		conf,
		string(r.Status),
	}
}

// Records 依 item 索引順序產生匯出資料
func Records(job types.JobSnapshot) ([]Record, error) {
	if !job.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotTerminal, job.ID, job.Status)
	}
	out := make([]Record, len(job.Items))
	for i, it := range job.Items {
		out[i] = Record{
			JobID:      job.ID,
			ItemIndex:  it.Index,
			SourceRef:  it.SourceRef,
			Label:      it.Label,
			Confidence: it.Confidence,
			Status:     it.Status,
		}
	}
	return out, nil
}

// WriteCSV 寫出含標題列的 CSV
func WriteCSV(w io.Writer, job types.JobSnapshot) error {
	records, err := Records(job)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range records {
		if err := cw.Write(r.Row()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
