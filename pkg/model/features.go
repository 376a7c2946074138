package model

import (
	"math"

	"github.com/sanonone/cernet/pkg/expression"
	"github.com/sanonone/cernet/pkg/graph"
	"gonum.org/v1/gonum/mat"
)

// RNAFeatureDim is the width of the per-RNA feature vector: mean, standard
// deviation, fraction of expressing cells and maximum, followed by a one-hot
// RNA type.
const RNAFeatureDim = 4 + graph.NumRNATypes

// RNAFeatures summarizes the expression of every RNA over the given cells.
func RNAFeatures(rows []expression.Row, types []graph.RNAType) *mat.Dense {
	n := len(types)
	sum := make([]float64, n)
	sumSq := make([]float64, n)
	nnz := make([]float64, n)
	maxv := make([]float64, n)
	for _, r := range rows {
		for k, c := range r.Cols {
			v := float64(r.Vals[k])
			sum[c] += v
			sumSq[c] += v * v
			nnz[c]++
			maxv[c] = math.Max(maxv[c], v)
		}
	}

	cells := float64(max(len(rows), 1))
	out := mat.NewDense(n, RNAFeatureDim, nil)
	for g := 0; g < n; g++ {
		row := out.RawRowView(g)
		mean := sum[g] / cells
		row[0] = mean
		row[1] = math.Sqrt(math.Max(0, sumSq[g]/cells-mean*mean))
		row[2] = nnz[g] / cells
		row[3] = maxv[g]
		row[4+int(types[g])] = 1
	}
	return out
}

// bridge maps cell embeddings onto RNAs: each RNA receives the
// expression-weighted mean of the embeddings of the cells expressing it.
type bridge struct {
	rows []expression.Row
	// colSum[g] is the total expression of RNA g over rows.
	colSum []float64
}

func newBridge(rows []expression.Row, numRNAs int) *bridge {
	b := &bridge{rows: rows, colSum: make([]float64, numRNAs)}
	for _, r := range rows {
		for k, c := range r.Cols {
			b.colSum[c] += float64(r.Vals[k])
		}
	}
	return b
}

// forward returns the numRNAs × d matrix of RNA-level cell summaries. zc must
// have one row per entry of rows.
func (b *bridge) forward(zc *mat.Dense) *mat.Dense {
	_, d := zc.Dims()
	u := mat.NewDense(len(b.colSum), d, nil)
	for i, r := range b.rows {
		src := zc.RawRowView(i)
		for k, c := range r.Cols {
			w := float64(r.Vals[k]) / b.colSum[c]
			dst := u.RawRowView(int(c))
			for j := range dst {
				dst[j] += w * src[j]
			}
		}
	}
	return u
}

// backward adds the gradient with respect to zc into dzc.
func (b *bridge) backward(du, dzc *mat.Dense) {
	for i, r := range b.rows {
		dst := dzc.RawRowView(i)
		for k, c := range r.Cols {
			w := float64(r.Vals[k]) / b.colSum[c]
			src := du.RawRowView(int(c))
			for j := range dst {
				dst[j] += w * src[j]
			}
		}
	}
}
