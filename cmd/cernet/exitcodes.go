package main

import (
	"errors"

	"github.com/sanonone/cernet/pkg/config"
	"github.com/sanonone/cernet/pkg/expression"
	"github.com/sanonone/cernet/pkg/graph"
	"github.com/sanonone/cernet/pkg/persistence"
	"github.com/sanonone/cernet/pkg/train"
)

// Exit codes
const (
	ExitSuccess     = 0 // Success
	ExitError       = 1 // Runtime failure
	ExitConfigError = 2 // Invalid configuration, flags or parameters the data cannot satisfy
	ExitDataError   = 3 // Malformed or inconsistent input, corrupted checkpoint
)

// usageError marks invalid command line input.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ue *usageError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &ue),
		errors.Is(err, config.ErrInvalid),
		errors.Is(err, train.ErrBatchTooSmall),
		errors.Is(err, graph.ErrDegenerateGraph):
		return ExitConfigError
	case errors.Is(err, graph.ErrSchema),
		errors.Is(err, graph.ErrEmptyGraph),
		errors.Is(err, expression.ErrParse),
		errors.Is(err, expression.ErrInvalidValue),
		errors.Is(err, expression.ErrShape),
		errors.Is(err, expression.ErrDuplicateLabel),
		errors.Is(err, persistence.ErrChecksumMismatch),
		errors.Is(err, persistence.ErrIncompleteFrame),
		errors.Is(err, persistence.ErrInvalidMagic):
		return ExitDataError
	default:
		return ExitError
	}
}
