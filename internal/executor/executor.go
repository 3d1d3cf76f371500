// Package executor defines the opaque batched predict function the worker
// pool drives, plus adapters around it: input preprocessing and a remote
// model-server client.
package executor

import (
	"context"
	"fmt"
	"math"

	"github.com/ChuLiYu/pulmoscan/internal/errdefs"
)

// Classes 模型輸出的類別，順序即 logits / scores 的索引
var Classes = []string{"COVID", "Normal", "Viral Pneumonia"}

// Prediction 單一輸入的推論結果。Err 非 nil 時只代表這個 item 失敗。
type Prediction struct {
	Label      string
	Confidence float64
	Err        error
}

// Executor 批次推論函式。
// 回傳的 slice 必須與輸入等長且順序一致；整批失敗時回傳 error。
// 同樣的輸入必須得到同樣的結果。
type Executor interface {
	Name() string
	Predict(ctx context.Context, inputs [][]byte) ([]Prediction, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, inputs [][]byte) ([]Prediction, error)

func (f Func) Name() string { return "func" }

func (f Func) Predict(ctx context.Context, inputs [][]byte) ([]Prediction, error) {
	return f(ctx, inputs)
}

// Call invokes exec and enforces the batch contract: whole-batch errors come
// back as ModelInferenceError (or TransientIOError), and a result count that
// differs from the input count is a contract violation for the entire batch.
func Call(ctx context.Context, exec Executor, inputs [][]byte) ([]Prediction, error) {
	preds, err := exec.Predict(ctx, inputs)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errdefs.Transient("predict", fmt.Errorf("%s: %w", exec.Name(), ctxErr))
		}
		return nil, errdefs.Inference(fmt.Errorf("%s: %w", exec.Name(), err))
	}
	if len(preds) != len(inputs) {
		return nil, errdefs.Inference(fmt.Errorf("%s: %w: got %d want %d",
			exec.Name(), errdefs.ErrContractViolation, len(preds), len(inputs)))
	}
	return preds, nil
}

// FromScores 取 softmax 後機率最大的類別
func FromScores(scores []float64, labels []string) (Prediction, error) {
	if len(scores) == 0 || len(scores) != len(labels) {
		return Prediction{}, fmt.Errorf("scores/labels length mismatch: %d vs %d", len(scores), len(labels))
	}
	probs := Softmax(scores)
	best := 0
	for i := range probs {
		if probs[i] > probs[best] {
			best = i
		}
	}
	return Prediction{Label: labels[best], Confidence: probs[best]}, nil
}

// Softmax 數值穩定的 softmax
func Softmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxV := logits[0]
	for _, v := range logits[1:] {
		maxV = math.Max(maxV, v)
	}
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
