package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/pulmoscan/internal/errdefs"
)

// HTTPConfig 遠端模型伺服器設定
type HTTPConfig struct {
	Endpoint string        // POST 目標，例如 http://model:8500/v1/predict
	Timeout  time.Duration // 單次請求逾時
	Labels   []string      // 伺服器只回傳 scores 時使用的類別名稱，預設 Classes
}

type httpPredictRequest struct {
	Inputs [][]byte `json:"inputs"` // base64
}

type httpPrediction struct {
	Label      string    `json:"label,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Scores     []float64 `json:"scores,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type httpPredictResponse struct {
	Predictions []httpPrediction `json:"predictions"`
	Error       string           `json:"error,omitempty"`
}

// HTTP 透過 JSON 呼叫外部模型執行環境
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

var _ Executor = (*HTTP)(nil)

// NewHTTP creates a remote executor.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("executor: endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if len(cfg.Labels) == 0 {
		cfg.Labels = Classes
	}
	return &HTTP{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) Predict(ctx context.Context, inputs [][]byte) ([]Prediction, error) {
	payload, err := json.Marshal(httpPredictRequest{Inputs: inputs})
	if err != nil {
		return nil, errdefs.Inference(fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errdefs.Inference(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errdefs.Transient("predict", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.Transient("predict", fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		return nil, errdefs.Transient("predict", fmt.Errorf("model server status %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return nil, errdefs.Inference(fmt.Errorf("model server status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded httpPredictResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errdefs.Inference(fmt.Errorf("decode response: %w", err))
	}
	if msg := strings.TrimSpace(decoded.Error); msg != "" {
		return nil, errdefs.Inference(fmt.Errorf("model runtime error: %s", msg))
	}

	out := make([]Prediction, len(decoded.Predictions))
	for i, p := range decoded.Predictions {
		switch {
		case p.Error != "":
			out[i] = Prediction{Err: errdefs.Corrupt(p.Error, nil)}
		case p.Label != "":
			out[i] = Prediction{Label: p.Label, Confidence: p.Confidence}
		case len(p.Scores) > 0:
			pred, err := FromScores(p.Scores, h.cfg.Labels)
			if err != nil {
				return nil, errdefs.Inference(fmt.Errorf("prediction %d: %w", i, err))
			}
			out[i] = pred
		default:
			return nil, errdefs.Inference(fmt.Errorf("prediction %d has neither label nor scores", i))
		}
	}
	return out, nil
}
