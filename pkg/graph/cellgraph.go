package graph

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sanonone/cernet/pkg/core"
	"github.com/sanonone/cernet/pkg/core/types"
	"github.com/sanonone/cernet/pkg/metrics"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// MinCellWeight is the floor applied to cell-graph similarities so that every
// kNN edge keeps a positive weight.
const MinCellWeight = 1e-6

// CellNeighbor is one weighted edge of the cell graph.
type CellNeighbor struct {
	Cell   int
	Weight float64
}

// CellGraph is the static, symmetric kNN graph over cells.
type CellGraph struct {
	adj   [][]CellNeighbor
	edges int
}

// NewCellGraph symmetrizes directed kNN lists into an undirected graph. A pair
// reported in both directions keeps the larger similarity; weights are clamped
// to [MinCellWeight, 1].
func NewCellGraph(numCells int, lists [][]types.Neighbor) *CellGraph {
	best := make([]map[int]float64, numCells)
	for i := range best {
		best[i] = make(map[int]float64)
	}
	link := func(a, b int, w float64) {
		if cur, ok := best[a][b]; !ok || w > cur {
			best[a][b] = w
		}
	}
	for i, list := range lists {
		for _, n := range list {
			if n.ID == i || n.ID < 0 || n.ID >= numCells {
				continue
			}
			w := math.Max(MinCellWeight, math.Min(1, n.Similarity))
			link(i, n.ID, w)
			link(n.ID, i, w)
		}
	}

	g := &CellGraph{adj: make([][]CellNeighbor, numCells)}
	for i, m := range best {
		row := make([]CellNeighbor, 0, len(m))
		for j, w := range m {
			row = append(row, CellNeighbor{Cell: j, Weight: w})
		}
		sort.Slice(row, func(a, b int) bool { return row[a].Cell < row[b].Cell })
		g.adj[i] = row
		g.edges += len(row)
	}
	g.edges /= 2
	return g
}

// NumCells returns the number of cells.
func (g *CellGraph) NumCells() int { return len(g.adj) }

// NumEdges returns the number of undirected edges.
func (g *CellGraph) NumEdges() int { return g.edges }

// Neighbors returns the neighbours of cell i sorted by cell index. The slice must
// not be modified.
func (g *CellGraph) Neighbors(i int) []CellNeighbor { return g.adj[i] }

// CellGraphOptions configures BuildCellGraph.
type CellGraphOptions struct {
	K int
	// Features restricts the expression columns used for similarity; nil means all.
	Features []int
	// Components is the number of principal components kept; zero disables PCA.
	Components int
	// KNN carries the index parameters. Its K is overwritten.
	KNN core.KNNOptions
}

// BuildCellGraph computes the kNN graph over cells on a PCA-reduced expression
// representation and stores it. It fails with a DegenerateGraphError when K is
// not smaller than the number of cells.
func (s *Store) BuildCellGraph(ctx context.Context, opts CellGraphOptions) (*CellGraph, error) {
	expr := s.Expression()
	n := expr.NumCells()
	if opts.K < 1 || opts.K >= n {
		return nil, &DegenerateGraphError{K: opts.K, Cells: n}
	}

	start := time.Now()
	vectors, err := reducedRepresentation(expr.Dense(allRows(n), featureColumns(opts.Features, expr.NumRNAs())), opts.Components)
	if err != nil {
		return nil, err
	}

	knn := opts.KNN
	knn.K = opts.K
	lists, err := core.BuildKNN(ctx, vectors, knn)
	if err != nil {
		return nil, fmt.Errorf("build cell graph: %w", err)
	}
	g := NewCellGraph(n, lists)

	s.mu.Lock()
	s.cellGraph = g
	s.version++
	s.mu.Unlock()

	elapsed := time.Since(start)
	metrics.CellGraphBuildDuration.Observe(elapsed.Seconds())
	s.logger.Info("cell graph built",
		"cells", n, "k", opts.K, "edges", g.NumEdges(), "dims", len(vectors[0]),
		"exact", n < knn.ExactBelow, "duration", elapsed)
	return g, nil
}

func allRows(n int) []int {
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	return rows
}

func featureColumns(features []int, numRNAs int) []int {
	if len(features) > 0 {
		return features
	}
	return allRows(numRNAs)
}

// reducedRepresentation projects the centred rows of x on its leading principal
// components and returns them as float32 vectors.
func reducedRepresentation(x *mat.Dense, components int) ([][]float32, error) {
	if x == nil {
		return nil, &SchemaError{Reason: "no expression features for the cell graph"}
	}
	r, c := x.Dims()
	proj := x
	if components > 0 && components < c && r > 1 {
		var pc stat.PC
		if ok := pc.PrincipalComponents(x, nil); !ok {
			return nil, fmt.Errorf("build cell graph: principal component analysis failed on %dx%d matrix", r, c)
		}
		var vecs mat.Dense
		pc.VectorsTo(&vecs)
		_, kmax := vecs.Dims()
		k := min(components, kmax)

		centered := mat.DenseCopyOf(x)
		for j := 0; j < c; j++ {
			mean := stat.Mean(mat.Col(nil, j, x), nil)
			for i := 0; i < r; i++ {
				centered.Set(i, j, centered.At(i, j)-mean)
			}
		}
		proj = mat.NewDense(r, k, nil)
		proj.Mul(centered, vecs.Slice(0, c, 0, k))
	}

	_, d := proj.Dims()
	out := make([][]float32, r)
	for i := range out {
		row := proj.RawRowView(i)
		v := make([]float32, d)
		for j, x := range row {
			v[j] = float32(x)
		}
		out[i] = v
	}
	return out, nil
}
