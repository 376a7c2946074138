package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sanonone/cernet/pkg/config"
	"github.com/sanonone/cernet/pkg/expression"
	"github.com/sanonone/cernet/pkg/graph"
	"github.com/sanonone/cernet/pkg/persistence"
	"github.com/sanonone/cernet/pkg/prune"
	"github.com/sanonone/cernet/pkg/train"
	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"invalid config", fmt.Errorf("load: %w", config.ErrInvalid), ExitConfigError},
		{"usage", &usageError{errors.New("bad flag")}, ExitConfigError},
		{"batch too small", &train.BatchTooSmallError{Requested: 10, Available: 3}, ExitConfigError},
		{"degenerate graph", &graph.DegenerateGraphError{K: 5, Cells: 5}, ExitConfigError},
		{"schema", fmt.Errorf("edges.tsv: %w", &graph.SchemaError{Line: 3, Reason: "self-loop"}), ExitDataError},
		{"empty graph", &graph.EmptyGraphError{Stage: "load"}, ExitDataError},
		{"parse", fmt.Errorf("x: %w", expression.ErrParse), ExitDataError},
		{"corrupted checkpoint", fmt.Errorf("ckpt: %w", persistence.ErrChecksumMismatch), ExitDataError},
		{"threshold", &prune.ThresholdComputationError{Step: 10, Active: 1, Required: 2, EdgeID: -1}, ExitError},
		{"other", errors.New("boom"), ExitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestSetupLogger(t *testing.T) {
	logFormat, logLevel = "json", "debug"
	assert.NoError(t, setupLogger())

	logFormat = "xml"
	assert.Equal(t, ExitConfigError, exitCode(setupLogger()))

	logFormat, logLevel = "text", "loud"
	assert.Equal(t, ExitConfigError, exitCode(setupLogger()))
	logLevel = "info"
}
