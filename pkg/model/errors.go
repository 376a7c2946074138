package model

import (
	"errors"
	"fmt"
)

// ErrDimensionMismatch indicates that two components disagree on a shape.
var ErrDimensionMismatch = errors.New("model: dimension mismatch")

// DimensionMismatchError reports the operation and the shapes involved.
type DimensionMismatchError struct {
	Op   string
	Want [2]int
	Got  [2]int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("model: %s: expected %dx%d, got %dx%d", e.Op, e.Want[0], e.Want[1], e.Got[0], e.Got[1])
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

func checkShape(op string, wantR, wantC, gotR, gotC int) error {
	if wantR >= 0 && wantR != gotR || wantC >= 0 && wantC != gotC {
		return &DimensionMismatchError{Op: op, Want: [2]int{wantR, wantC}, Got: [2]int{gotR, gotC}}
	}
	return nil
}
