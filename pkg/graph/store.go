package graph

import (
	"fmt"
	"iter"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/sanonone/cernet/pkg/expression"
)

// ConfidenceFilter drops edges whose collapsed score is below
// max(MinScore, Quantile-th percentile of all scores). Quantile is in [0,100];
// zero disables the percentile cut.
type ConfidenceFilter struct {
	MinScore float64
	Quantile float64
}

// Store is the authoritative ceRNA network together with the aligned expression
// matrix and, once built, the cell-similarity graph.
type Store struct {
	mu sync.RWMutex

	nodes []Node
	index map[string]int
	edges []Edge
	// adj[n] holds the ids of every edge incident to n, active or not.
	adj      [][]int
	observed map[uint64]struct{}

	expr      *expression.Matrix
	cellGraph *CellGraph

	version uint64
	logger  *slog.Logger
}

// Load builds a store from edge records and an expression matrix. Duplicate edges
// collapse to their maximum score, the filter is applied, and the matrix is
// restricted to network RNAs in node order.
func Load(records []EdgeRecord, expr *expression.Matrix, filter ConfidenceFilter) (*Store, error) {
	if expr == nil {
		return nil, &SchemaError{Reason: "nil expression matrix"}
	}
	types := make(map[string]RNAType)
	collapsed := make(map[[2]string]float64)
	var order [][2]string
	var missing []string
	seenMissing := make(map[string]bool)

	for _, r := range records {
		if r.Source == r.Target {
			return nil, &SchemaError{Line: r.Line, Source: r.Source, Target: r.Target, Reason: "self-loop"}
		}
		if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
			return nil, &SchemaError{Line: r.Line, Source: r.Source, Target: r.Target,
				Reason: fmt.Sprintf("confidence %v outside [0,1]", r.Confidence)}
		}
		for _, end := range []struct {
			id string
			t  RNAType
		}{{r.Source, r.SourceType}, {r.Target, r.TargetType}} {
			if prev, ok := types[end.id]; ok && prev != end.t {
				return nil, &SchemaError{Line: r.Line, Source: r.Source, Target: r.Target,
					Reason: fmt.Sprintf("RNA %s tagged both %s and %s", end.id, prev, end.t)}
			}
			types[end.id] = end.t
			if _, ok := expr.Column(end.id); !ok && !seenMissing[end.id] {
				seenMissing[end.id] = true
				missing = append(missing, end.id)
			}
		}

		key := [2]string{r.Source, r.Target}
		if key[0] > key[1] {
			key[0], key[1] = key[1], key[0]
		}
		prev, seen := collapsed[key]
		if !seen {
			order = append(order, key)
		}
		if !seen || r.Confidence > prev {
			collapsed[key] = r.Confidence
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaError{Missing: missing}
	}
	if len(collapsed) == 0 {
		return nil, &EmptyGraphError{Stage: "load"}
	}

	threshold := filter.MinScore
	if filter.Quantile > 0 {
		scores := make([]float64, 0, len(collapsed))
		for _, s := range collapsed {
			scores = append(scores, s)
		}
		sort.Float64s(scores)
		threshold = math.Max(threshold, Percentile(scores, filter.Quantile))
	}
	kept := order[:0:0]
	for _, key := range order {
		if collapsed[key] >= threshold {
			kept = append(kept, key)
		}
	}
	if len(kept) == 0 {
		return nil, &EmptyGraphError{Stage: "confidence filter", Edges: len(collapsed)}
	}

	ids := make([]string, 0, len(types))
	for _, key := range kept {
		ids = append(ids, key[0], key[1])
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	s := &Store{logger: slog.Default()}
	s.nodes = make([]Node, len(ids))
	for i, id := range ids {
		s.nodes[i] = Node{ID: id, Type: types[id]}
	}
	cols := make([]int, len(ids))
	for i, id := range ids {
		cols[i], _ = expr.Column(id)
	}
	restricted, err := expr.SelectColumns(cols)
	if err != nil {
		return nil, fmt.Errorf("restrict expression to network RNAs: %w", err)
	}
	s.expr = restricted

	s.edges = make([]Edge, 0, len(kept))
	idx := make(map[string]int, len(ids))
	for i, id := range ids {
		idx[id] = i
	}
	for _, key := range kept {
		u, v := idx[key[0]], idx[key[1]]
		if u > v {
			u, v = v, u
		}
		c := collapsed[key]
		s.edges = append(s.edges, Edge{U: u, V: v, Confidence: c, Weight: c, Active: true})
	}
	s.reindex()

	s.logger.Info("network loaded",
		"records", len(records), "unique_edges", len(collapsed), "kept_edges", len(s.edges),
		"threshold", threshold, "nodes", len(s.nodes), "cells", expr.NumCells(),
		"dropped_expression_columns", expr.NumRNAs()-len(ids))
	return s, nil
}

// reindex sorts edges by endpoints, assigns dense ids and rebuilds the lookup
// structures. Must be called under Lock or before the store is shared.
func (s *Store) reindex() {
	sort.Slice(s.edges, func(i, j int) bool {
		if s.edges[i].U != s.edges[j].U {
			return s.edges[i].U < s.edges[j].U
		}
		return s.edges[i].V < s.edges[j].V
	})
	s.index = make(map[string]int, len(s.nodes))
	for i, n := range s.nodes {
		s.index[n.ID] = i
	}
	s.adj = make([][]int, len(s.nodes))
	s.observed = make(map[uint64]struct{}, len(s.edges))
	for i := range s.edges {
		e := &s.edges[i]
		e.ID = i
		s.adj[e.U] = append(s.adj[e.U], i)
		s.adj[e.V] = append(s.adj[e.V], i)
		s.observed[pairKey(e.U, e.V)] = struct{}{}
	}
}

// FilterZeroExpression removes RNA nodes whose expression is zero in every cell,
// together with every edge incident to them, and returns the removed ids in node
// order. Nodes left without any edge by that removal are dropped too, so every
// remaining node has at least one edge. It is a fixed point: a second call
// removes nothing.
func (s *Store) FilterZeroExpression() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sums := s.expr.ColumnSums()
	silent := make([]bool, len(s.nodes))
	anySilent := false
	for i := range s.nodes {
		if sums[i] <= 0 {
			silent[i] = true
			anySilent = true
		}
	}
	if !anySilent {
		return nil, nil
	}

	degree := make([]int, len(s.nodes))
	for _, e := range s.edges {
		if silent[e.U] || silent[e.V] {
			continue
		}
		degree[e.U]++
		degree[e.V]++
	}

	keep := make([]int, 0, len(s.nodes))
	var removed []string
	orphans := 0
	remap := make([]int, len(s.nodes))
	for i, n := range s.nodes {
		if !silent[i] && degree[i] > 0 {
			remap[i] = len(keep)
			keep = append(keep, i)
			continue
		}
		if !silent[i] {
			orphans++
		}
		remap[i] = -1
		removed = append(removed, n.ID)
	}

	nodes := make([]Node, len(keep))
	for k, i := range keep {
		nodes[k] = s.nodes[i]
	}
	edges := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		if remap[e.U] < 0 || remap[e.V] < 0 {
			continue
		}
		e.U, e.V = remap[e.U], remap[e.V]
		edges = append(edges, e)
	}
	if len(edges) == 0 {
		return nil, &EmptyGraphError{Stage: "zero-expression filter", Nodes: len(nodes)}
	}
	expr, err := s.expr.SelectColumns(keep)
	if err != nil {
		return nil, err
	}

	s.nodes, s.edges, s.expr = nodes, edges, expr
	s.reindex()
	s.version++
	s.logger.Info("zero-expression RNAs removed",
		"removed", len(removed)-orphans, "orphaned", orphans, "nodes", len(s.nodes), "edges", len(s.edges))
	return removed, nil
}

// Version returns the current mutation counter.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// NumNodes returns the number of RNA nodes.
func (s *Store) NumNodes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// NumEdges returns the number of stored edges, active or not.
func (s *Store) NumEdges() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges)
}

// Nodes returns a copy of the node table.
func (s *Store) Nodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.nodes)
}

// NodeIndex resolves an RNA id.
func (s *Store) NodeIndex(id string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	return i, ok
}

// Expression returns the expression matrix aligned with the node order.
func (s *Store) Expression() *expression.Matrix {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expr
}

// CellGraph returns the cell-similarity graph, nil until BuildCellGraph succeeds.
func (s *Store) CellGraph() *CellGraph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cellGraph
}

// ActiveEdges returns a restartable sequence over the currently active edges.
// Each iteration observes the latest pruning state.
func (s *Store) ActiveEdges() iter.Seq[Edge] {
	return func(yield func(Edge) bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, e := range s.edges {
			if e.Active && !yield(e) {
				return
			}
		}
	}
}

// Edges returns a copy of every stored edge.
func (s *Store) Edges() []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.edges)
}

// SetEdgeWeights replaces the learned weight of every edge. weights is indexed by
// edge id; baseVersion must match the current version.
func (s *Store) SetEdgeWeights(baseVersion uint64, weights []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if baseVersion != s.version {
		return fmt.Errorf("%w: weights computed at version %d, store is at %d", ErrStaleVersion, baseVersion, s.version)
	}
	if len(weights) != len(s.edges) {
		return fmt.Errorf("graph: %d weights for %d edges", len(weights), len(s.edges))
	}
	for i := range s.edges {
		s.edges[i].Weight = weights[i]
	}
	s.version++
	return nil
}

// ApplyPruning marks the given edges inactive. baseVersion must match the version
// of the snapshot the decision was computed from.
func (s *Store) ApplyPruning(baseVersion uint64, deactivate []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if baseVersion != s.version {
		return fmt.Errorf("%w: pruning planned at version %d, store is at %d", ErrStaleVersion, baseVersion, s.version)
	}
	for _, id := range deactivate {
		if id < 0 || id >= len(s.edges) {
			return fmt.Errorf("graph: edge id %d out of range", id)
		}
	}
	for _, id := range deactivate {
		s.edges[id].Active = false
	}
	s.version++
	return nil
}

// RestoreEdgeState overwrites weights and active flags, used when resuming from a
// checkpoint. Both slices are indexed by edge id.
func (s *Store) RestoreEdgeState(weights []float64, active []bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(weights) != len(s.edges) || len(active) != len(s.edges) {
		return &SchemaError{Reason: fmt.Sprintf("checkpoint has %d weights and %d flags for %d edges", len(weights), len(active), len(s.edges))}
	}
	for i := range s.edges {
		s.edges[i].Weight = weights[i]
		s.edges[i].Active = active[i]
	}
	s.version++
	return nil
}

// Snapshot returns an immutable view of the current state.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Snapshot{
		version:   s.version,
		nodes:     s.nodes,
		edges:     slices.Clone(s.edges),
		adj:       s.adj,
		observed:  s.observed,
		expr:      s.expr,
		cellGraph: s.cellGraph,
	}
}
