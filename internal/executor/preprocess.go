package executor

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/ChuLiYu/pulmoscan/internal/errdefs"
)

// ImageNet normalisation used by the classifier's training pipeline.
var (
	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)

// PreprocessConfig 影像前處理參數
type PreprocessConfig struct {
	ResizeShort int // 短邊縮放到此長度，預設 256
	CropSize    int // 中心裁切邊長，預設 224
}

// Preprocessor 解碼並正規化影像，再交給下一個 executor。
//
// 無法解碼的輸入在這裡就變成 CorruptInputError，不會進到模型；
// 其餘輸入轉成 float32 CHW tensor（little endian），順序保持不變。
type Preprocessor struct {
	next Executor
	cfg  PreprocessConfig
}

// NewPreprocessor wraps next.
func NewPreprocessor(next Executor, cfg PreprocessConfig) *Preprocessor {
	if cfg.ResizeShort <= 0 {
		cfg.ResizeShort = 256
	}
	if cfg.CropSize <= 0 {
		cfg.CropSize = 224
	}
	if cfg.CropSize > cfg.ResizeShort {
		cfg.CropSize = cfg.ResizeShort
	}
	return &Preprocessor{next: next, cfg: cfg}
}

func (p *Preprocessor) Name() string { return "preprocess(" + p.next.Name() + ")" }

func (p *Preprocessor) Predict(ctx context.Context, inputs [][]byte) ([]Prediction, error) {
	out := make([]Prediction, len(inputs))

	tensors := make([][]byte, 0, len(inputs))
	positions := make([]int, 0, len(inputs))
	for i, raw := range inputs {
		tensor, err := p.Tensor(raw)
		if err != nil {
			out[i] = Prediction{Err: err}
			continue
		}
		tensors = append(tensors, tensor)
		positions = append(positions, i)
	}

	if len(tensors) == 0 {
		return out, nil
	}

	preds, err := Call(ctx, p.next, tensors)
	if err != nil {
		return nil, err
	}
	for j, pos := range positions {
		out[pos] = preds[j]
	}
	return out, nil
}

// Tensor decodes raw image bytes and returns the normalised model input.
func (p *Preprocessor) Tensor(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errdefs.Corrupt("empty input", nil)
	}
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errdefs.Corrupt("cannot decode image", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errdefs.Corrupt(fmt.Sprintf("degenerate image %dx%d", b.Dx(), b.Dy()), nil)
	}

	img = p.resizeAndCrop(img)
	return encodeCHW(img, p.cfg.CropSize), nil
}

// resizeAndCrop 短邊縮放到 ResizeShort 後中心裁切 CropSize。
// 先裁出短邊大小的中心正方形再縮放，結果相同，但長邊不會跟著放大：
// 4000x1 的輸入只會產生 ResizeShort x ResizeShort 的中間影像
func (p *Preprocessor) resizeAndCrop(img image.Image) image.Image {
	b := img.Bounds()
	short := min(b.Dx(), b.Dy())
	square := imaging.CropCenter(img, short, short)
	resized := imaging.Resize(square, p.cfg.ResizeShort, p.cfg.ResizeShort, imaging.Lanczos)
	return imaging.CropCenter(resized, p.cfg.CropSize, p.cfg.CropSize)
}

func encodeCHW(img image.Image, size int) []byte {
	nrgba := imaging.Clone(img)
	plane := size * size
	buf := make([]byte, 3*plane*4)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := nrgba.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := float32(nrgba.Pix[off+c]) / 255
				v = (v - channelMean[c]) / channelStd[c]
				idx := (c*plane + y*size + x) * 4
				binary.LittleEndian.PutUint32(buf[idx:], math.Float32bits(v))
			}
		}
	}
	return buf
}
