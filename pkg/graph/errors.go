package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSchema indicates malformed or inconsistent input.
	ErrSchema = errors.New("graph: schema error")
	// ErrEmptyGraph indicates filtering removed every edge or node.
	ErrEmptyGraph = errors.New("graph: empty graph")
	// ErrDegenerateGraph indicates parameters that cannot produce a usable graph.
	ErrDegenerateGraph = errors.New("graph: degenerate graph")
	// ErrStaleVersion indicates a mutation based on an outdated snapshot.
	ErrStaleVersion = errors.New("graph: stale version")
)

// SchemaError reports an input record the store cannot accept.
type SchemaError struct {
	// Line is the 1-based input line, zero when unknown.
	Line   int
	Source string
	Target string
	// Missing lists RNA ids absent from the expression matrix.
	Missing []string
	Reason  string
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("graph: schema error")
	if e.Line > 0 {
		fmt.Fprintf(&b, " at line %d", e.Line)
	}
	if e.Source != "" || e.Target != "" {
		fmt.Fprintf(&b, " (edge %s-%s)", e.Source, e.Target)
	}
	if len(e.Missing) > 0 {
		shown := e.Missing
		if len(shown) > 10 {
			shown = shown[:10]
		}
		fmt.Fprintf(&b, ": %d RNA ids missing from expression matrix [%s", len(e.Missing), strings.Join(shown, ", "))
		if len(e.Missing) > len(shown) {
			b.WriteString(", ...")
		}
		b.WriteString("]")
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *SchemaError) Unwrap() error { return ErrSchema }

// EmptyGraphError reports the stage that left the graph without edges.
type EmptyGraphError struct {
	Stage string
	Nodes int
	Edges int
}

func (e *EmptyGraphError) Error() string {
	return fmt.Sprintf("graph: empty graph after %s (%d nodes, %d edges)", e.Stage, e.Nodes, e.Edges)
}

func (e *EmptyGraphError) Unwrap() error { return ErrEmptyGraph }

// DegenerateGraphError reports a requested neighbourhood size the data cannot support.
type DegenerateGraphError struct {
	K     int
	Cells int
}

func (e *DegenerateGraphError) Error() string {
	return fmt.Sprintf("graph: degenerate cell graph: k=%d requires more than %d cells", e.K, e.Cells)
}

func (e *DegenerateGraphError) Unwrap() error { return ErrDegenerateGraph }
