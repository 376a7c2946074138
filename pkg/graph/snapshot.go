package graph

import (
	"iter"

	"github.com/sanonone/cernet/pkg/expression"
)

// Snapshot is a read-only view of a Store at one version. It is safe for
// concurrent use by any number of workers; later store mutations are not visible.
type Snapshot struct {
	version   uint64
	nodes     []Node
	edges     []Edge
	adj       [][]int
	observed  map[uint64]struct{}
	expr      *expression.Matrix
	cellGraph *CellGraph
}

// Version returns the store version the snapshot was taken at.
func (s *Snapshot) Version() uint64 { return s.version }

func (s *Snapshot) NumNodes() int { return len(s.nodes) }

func (s *Snapshot) NumEdges() int { return len(s.edges) }

func (s *Snapshot) Node(i int) Node { return s.nodes[i] }

// Edge returns the edge with the given id.
func (s *Snapshot) Edge(id int) Edge { return s.edges[id] }

// Edges returns every edge, indexed by id. The slice must not be modified.
func (s *Snapshot) Edges() []Edge { return s.edges }

// ActiveEdges iterates over the active edges in id order.
func (s *Snapshot) ActiveEdges() iter.Seq[Edge] {
	return func(yield func(Edge) bool) {
		for _, e := range s.edges {
			if e.Active && !yield(e) {
				return
			}
		}
	}
}

// NumActive returns the number of active edges.
func (s *Snapshot) NumActive() int {
	n := 0
	for _, e := range s.edges {
		if e.Active {
			n++
		}
	}
	return n
}

// Incident returns the ids of every edge touching node n, active or not.
func (s *Snapshot) Incident(n int) []int { return s.adj[n] }

// ActiveDegree returns the number of active edges touching node n.
func (s *Snapshot) ActiveDegree(n int) int {
	d := 0
	for _, id := range s.adj[n] {
		if s.edges[id].Active {
			d++
		}
	}
	return d
}

// Observed reports whether (u, v) is an edge of the input network, active or not.
func (s *Snapshot) Observed(u, v int) bool {
	_, ok := s.observed[pairKey(u, v)]
	return ok
}

// Expression returns the expression matrix aligned with the node order.
func (s *Snapshot) Expression() *expression.Matrix { return s.expr }

// CellGraph returns the static cell-similarity graph, nil if it was never built.
func (s *Snapshot) CellGraph() *CellGraph { return s.cellGraph }
