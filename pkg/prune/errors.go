package prune

import (
	"errors"
	"fmt"
)

// ErrThresholdComputation indicates that a pruning threshold cannot be computed
// safely.
var ErrThresholdComputation = errors.New("prune: threshold computation error")

// ThresholdComputationError reports why the threshold could not be computed.
type ThresholdComputationError struct {
	Step     int
	Active   int
	Required int
	// EdgeID is set when a specific edge carries an unusable score, -1 otherwise.
	EdgeID int
}

func (e *ThresholdComputationError) Error() string {
	if e.EdgeID >= 0 {
		return fmt.Sprintf("prune: step %d: edge %d has a non-finite score", e.Step, e.EdgeID)
	}
	return fmt.Sprintf("prune: step %d: %d active edges, at least %d required", e.Step, e.Active, e.Required)
}

func (e *ThresholdComputationError) Unwrap() error { return ErrThresholdComputation }
