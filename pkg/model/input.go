package model

import (
	"github.com/sanonone/cernet/pkg/expression"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Input is the feature matrix fed to the first layer of an encoder.
type Input interface {
	Dims() (r, c int)
	// MulWeight returns X·W.
	MulWeight(w *mat.Dense, workers int) *mat.Dense
	// AccumulateGrad adds Xᵀ·d to dst.
	AccumulateGrad(dst, d *mat.Dense)
}

// DenseInput wraps a dense feature matrix.
type DenseInput struct {
	X *mat.Dense
}

func (in DenseInput) Dims() (int, int) { return in.X.Dims() }

func (in DenseInput) MulWeight(w *mat.Dense, _ int) *mat.Dense {
	r, _ := in.X.Dims()
	_, c := w.Dims()
	out := mat.NewDense(r, c, nil)
	out.Mul(in.X, w)
	return out
}

func (in DenseInput) AccumulateGrad(dst, d *mat.Dense) {
	var g mat.Dense
	g.Mul(in.X.T(), d)
	dst.Add(dst, &g)
}

// SparseInput is a row-sparse feature matrix built from expression rows.
type SparseInput struct {
	Rows    []expression.Row
	NumCols int
}

func (in SparseInput) Dims() (int, int) { return len(in.Rows), in.NumCols }

func (in SparseInput) MulWeight(w *mat.Dense, workers int) *mat.Dense {
	_, c := w.Dims()
	out := mat.NewDense(len(in.Rows), c, nil)
	parallelFor(len(in.Rows), workers, func(start, end int) {
		for i := start; i < end; i++ {
			dst := out.RawRowView(i)
			r := in.Rows[i]
			for k, col := range r.Cols {
				floats.AddScaled(dst, float64(r.Vals[k]), w.RawRowView(int(col)))
			}
		}
	})
	return out
}

func (in SparseInput) AccumulateGrad(dst, d *mat.Dense) {
	for i, r := range in.Rows {
		src := d.RawRowView(i)
		for k, col := range r.Cols {
			floats.AddScaled(dst.RawRowView(int(col)), float64(r.Vals[k]), src)
		}
	}
}
