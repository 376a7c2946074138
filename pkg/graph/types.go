// Package graph owns the ceRNA network and the derived cell-similarity graph.
//
// A Store is built once from an edge list and an expression matrix. After loading,
// the only mutations are the per-step edge weight refresh and pruning, both of which
// bump the store version. Compute phases read an immutable Snapshot instead of the
// store itself.
package graph

import (
	"fmt"
	"strings"
)

// RNAType is the biotype tag carried by every RNA node.
type RNAType uint8

const (
	MRNA RNAType = iota
	LncRNA
	CircRNA

	NumRNATypes = 3
)

func (t RNAType) String() string {
	switch t {
	case MRNA:
		return "mRNA"
	case LncRNA:
		return "lncRNA"
	case CircRNA:
		return "circRNA"
	default:
		return fmt.Sprintf("RNAType(%d)", uint8(t))
	}
}

// ParseRNAType accepts the tag case-insensitively. An empty tag means mRNA.
func ParseRNAType(s string) (RNAType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mrna":
		return MRNA, nil
	case "lncrna":
		return LncRNA, nil
	case "circrna":
		return CircRNA, nil
	default:
		return 0, fmt.Errorf("unknown RNA type %q", s)
	}
}

// Node is an RNA of the network. Node i corresponds to column i of the store's
// expression matrix.
type Node struct {
	ID   string
	Type RNAType
}

// Edge is an undirected regulatory edge with U < V.
type Edge struct {
	ID int
	U  int
	V  int
	// Confidence is the collapsed input score and never changes.
	Confidence float64
	// Weight is the latest learned attention score. It starts at Confidence.
	Weight float64
	Active bool
}

// Other returns the endpoint of e that is not n.
func (e Edge) Other(n int) int {
	if e.U == n {
		return e.V
	}
	return e.U
}

// EdgeRecord is one row of the input edge list.
type EdgeRecord struct {
	Source     string
	Target     string
	SourceType RNAType
	TargetType RNAType
	Confidence float64
	// Line is the 1-based input line, zero for programmatic records.
	Line int
}

func pairKey(u, v int) uint64 {
	if u > v {
		u, v = v, u
	}
	return uint64(u)<<32 | uint64(uint32(v))
}
