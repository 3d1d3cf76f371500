// ============================================================================
// PulmoScan Error Taxonomy
// ============================================================================
//
// Package: internal/errdefs
// File: errdefs.go
// Function: Shared error kinds used by the content provider, executor,
//           worker pool and job state machine.
//
// Classification:
//   TransientIOError     - fetch / network hiccup, retried by retry.Policy
//   CorruptInputError    - one item is undecodable, only that item fails
//   ModelInferenceError  - whole batch failed, retried then fails every item
//   ErrCacheUnavailable  - non-fatal, cache is bypassed
//   ErrReservationConflict - result for a fingerprint with no live reservation
//
// KindOf() maps any error to a types.ErrorKind for item records.
//
// ============================================================================

package errdefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

var (
	// ErrNotFound raw content does not exist
	ErrNotFound = errors.New("content not found")

	// ErrCacheUnavailable cache store cannot be reached
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrReservationConflict publish / abandon without a matching live reservation
	ErrReservationConflict = errors.New("reservation conflict")

	// ErrContractViolation executor returned a different number of results than inputs
	ErrContractViolation = errors.New("executor returned result count different from input count")

	// ErrTimeout item was not resolved before its job deadline
	ErrTimeout = errors.New("job deadline exceeded")

	// ErrCancelled item's job was cancelled
	ErrCancelled = errors.New("job cancelled")
)

// TransientIOError 暫時性 I/O 失敗，可以重試
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient io error during %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// CorruptInputError 單一輸入無法解碼或驗證失敗
type CorruptInputError struct {
	Reason string
	Err    error
}

func (e *CorruptInputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt input: %s: %v", e.Reason, e.Err)
	}
	return "corrupt input: " + e.Reason
}

func (e *CorruptInputError) Unwrap() error { return e.Err }

// ModelInferenceError executor 對整個 batch 失敗
type ModelInferenceError struct {
	Err error
}

func (e *ModelInferenceError) Error() string {
	return fmt.Sprintf("model inference failed: %v", e.Err)
}

func (e *ModelInferenceError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientIOError unless it already is one.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var t *TransientIOError
	if errors.As(err, &t) {
		return err
	}
	return &TransientIOError{Op: op, Err: err}
}

// Inference wraps err as a ModelInferenceError unless it is already classified
// as batch level (inference or transient).
func Inference(err error) error {
	if err == nil {
		return nil
	}
	var m *ModelInferenceError
	var t *TransientIOError
	if errors.As(err, &m) || errors.As(err, &t) {
		return err
	}
	return &ModelInferenceError{Err: err}
}

// Corrupt builds a CorruptInputError.
func Corrupt(reason string, err error) error {
	return &CorruptInputError{Reason: reason, Err: err}
}

// IsRetryable 回報錯誤是否值得重試
// 只有暫時性 I/O 與整批推論失敗可重試；context 取消、逾時、輸入損壞
// 與 executor 違反結果數量約定都不重試
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrContractViolation) {
		return false
	}
	var t *TransientIOError
	var m *ModelInferenceError
	return errors.As(err, &t) || errors.As(err, &m)
}

// KindOf 將錯誤映射為 item 記錄使用的分類
func KindOf(err error) types.ErrorKind {
	if err == nil {
		return types.KindNone
	}

	var (
		corrupt   *CorruptInputError
		inference *ModelInferenceError
		transient *TransientIOError
	)
	switch {
	case errors.As(err, &corrupt):
		return types.KindCorruptInput
	case errors.Is(err, ErrNotFound):
		return types.KindNotFound
	case errors.Is(err, ErrTimeout):
		return types.KindTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return types.KindCancelled
	case errors.As(err, &inference), errors.Is(err, ErrContractViolation):
		return types.KindModelInference
	case errors.As(err, &transient), errors.Is(err, context.DeadlineExceeded):
		return types.KindTransientIO
	default:
		return types.KindInternal
	}
}
