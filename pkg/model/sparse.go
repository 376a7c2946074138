package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// WeightedPair is an undirected weighted edge between local node indices.
type WeightedPair struct {
	U, V int
	W    float64
}

// CSR is a square sparse matrix in compressed sparse row form.
type CSR struct {
	n      int
	rowPtr []int
	cols   []int
	vals   []float64
}

// NormalizedAdjacency builds D^-1/2 (A + I) D^-1/2 for the symmetric weighted
// adjacency A described by pairs. Pairs must be unique and off-diagonal.
func NormalizedAdjacency(n int, pairs []WeightedPair) *CSR {
	deg := make([]float64, n)
	count := make([]int, n)
	for i := range deg {
		deg[i] = 1
		count[i] = 1
	}
	for _, p := range pairs {
		deg[p.U] += p.W
		deg[p.V] += p.W
		count[p.U]++
		count[p.V]++
	}
	inv := make([]float64, n)
	for i, d := range deg {
		inv[i] = 1 / math.Sqrt(d)
	}

	a := &CSR{n: n, rowPtr: make([]int, n+1)}
	for i := 0; i < n; i++ {
		a.rowPtr[i+1] = a.rowPtr[i] + count[i]
	}
	nnz := a.rowPtr[n]
	a.cols = make([]int, nnz)
	a.vals = make([]float64, nnz)
	next := make([]int, n)
	copy(next, a.rowPtr[:n])
	put := func(r, c int, v float64) {
		a.cols[next[r]] = c
		a.vals[next[r]] = v
		next[r]++
	}
	for i := 0; i < n; i++ {
		put(i, i, inv[i]*inv[i])
	}
	for _, p := range pairs {
		v := p.W * inv[p.U] * inv[p.V]
		put(p.U, p.V, v)
		put(p.V, p.U, v)
	}
	return a
}

// N returns the number of rows (and columns).
func (a *CSR) N() int { return a.n }

// At returns entry (i, j). It is linear in the row length and meant for tests.
func (a *CSR) At(i, j int) float64 {
	var v float64
	for k := a.rowPtr[i]; k < a.rowPtr[i+1]; k++ {
		if a.cols[k] == j {
			v += a.vals[k]
		}
	}
	return v
}

// MulDense returns a·b. Rows are computed in parallel.
func (a *CSR) MulDense(b *mat.Dense, workers int) *mat.Dense {
	_, c := b.Dims()
	out := mat.NewDense(a.n, c, nil)
	parallelFor(a.n, workers, func(start, end int) {
		for i := start; i < end; i++ {
			dst := out.RawRowView(i)
			for k := a.rowPtr[i]; k < a.rowPtr[i+1]; k++ {
				floats.AddScaled(dst, a.vals[k], b.RawRowView(a.cols[k]))
			}
		}
	})
	return out
}
