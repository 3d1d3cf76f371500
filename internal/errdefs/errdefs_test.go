package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want types.ErrorKind
	}{
		{"nil", nil, types.KindNone},
		{"corrupt", Corrupt("bad header", base), types.KindCorruptInput},
		{"wrapped corrupt", fmt.Errorf("item 3: %w", Corrupt("bad header", nil)), types.KindCorruptInput},
		{"not found", fmt.Errorf("fetch x: %w", ErrNotFound), types.KindNotFound},
		{"timeout", ErrTimeout, types.KindTimeout},
		{"cancelled", ErrCancelled, types.KindCancelled},
		{"context cancelled", context.Canceled, types.KindCancelled},
		{"inference", Inference(base), types.KindModelInference},
		{"contract", ErrContractViolation, types.KindModelInference},
		{"transient", Transient("fetch", base), types.KindTransientIO},
		{"unknown", base, types.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsRetryable(Transient("fetch", base)))
	assert.True(t, IsRetryable(Inference(base)))

	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(fmt.Errorf("batch: %w", ErrContractViolation)))
	assert.False(t, IsRetryable(Inference(fmt.Errorf("short result: %w", ErrContractViolation))),
		"a length mismatch stays fatal even inside a ModelInferenceError")
	assert.Equal(t, types.KindModelInference, KindOf(Inference(fmt.Errorf("short result: %w", ErrContractViolation))))
	assert.False(t, IsRetryable(Corrupt("truncated", base)))
	assert.False(t, IsRetryable(ErrNotFound))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(base))
}

func TestWrappersDoNotDoubleWrap(t *testing.T) {
	base := errors.New("boom")

	transient := Transient("fetch", base)
	assert.Same(t, transient, Transient("again", transient))

	// transient errors keep their kind when they escape a batch call
	assert.Same(t, transient, Inference(transient))

	var m *ModelInferenceError
	assert.True(t, errors.As(Inference(base), &m))
	assert.ErrorIs(t, Inference(base), base)
}
