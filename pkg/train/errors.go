package train

import (
	"errors"
	"fmt"
)

// ErrBatchTooSmall indicates a mini-batch size the cell population cannot serve.
var ErrBatchTooSmall = errors.New("train: batch too small")

// BatchTooSmallError reports the requested batch size against the available cells.
type BatchTooSmallError struct {
	Requested int
	Available int
}

func (e *BatchTooSmallError) Error() string {
	return fmt.Sprintf("train: batch size %d exceeds the %d available cells", e.Requested, e.Available)
}

func (e *BatchTooSmallError) Unwrap() error { return ErrBatchTooSmall }

// CheckBatchSize fails with a BatchTooSmallError unless 1 <= batchSize <= cells.
func CheckBatchSize(batchSize, cells int) error {
	if batchSize < 1 || batchSize > cells {
		return &BatchTooSmallError{Requested: batchSize, Available: cells}
	}
	return nil
}
