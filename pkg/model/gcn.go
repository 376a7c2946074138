package model

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// activation selects the nonlinearity of a layer.
type activation uint8

const (
	actReLU activation = iota
	actTanh
)

// gcnLayer computes act(Â·X·W + b). It caches its input and output for the
// backward pass.
type gcnLayer struct {
	w   *Param
	b   *Param
	act activation

	in  Input
	out *mat.Dense
}

func newGCNLayer(name string, in, out int, act activation, rng *rand.Rand) *gcnLayer {
	l := &gcnLayer{
		w:   newParam(name+".w", in, out, true),
		b:   newParam(name+".b", 1, out, false),
		act: act,
	}
	l.w.glorot(rng)
	return l
}

func (l *gcnLayer) forward(adj *CSR, in Input, workers int) *mat.Dense {
	h := adj.MulDense(in.MulWeight(l.w.Value, workers), workers)
	bias := l.b.Value.RawRowView(0)
	r, _ := h.Dims()
	for i := 0; i < r; i++ {
		row := h.RawRowView(i)
		for j := range row {
			row[j] = apply(l.act, row[j]+bias[j])
		}
	}
	l.in, l.out = in, h
	return h
}

// backward accumulates parameter gradients from dOut and, when needInput is set,
// returns the gradient with respect to the layer input.
func (l *gcnLayer) backward(adj *CSR, dOut *mat.Dense, needInput bool, workers int) *mat.Dense {
	r, c := dOut.Dims()
	dz := mat.NewDense(r, c, nil)
	db := l.b.Grad.RawRowView(0)
	for i := 0; i < r; i++ {
		src, h, dst := dOut.RawRowView(i), l.out.RawRowView(i), dz.RawRowView(i)
		for j := range dst {
			dst[j] = src[j] * derivative(l.act, h[j])
			db[j] += dst[j]
		}
	}

	// Â is symmetric, so Âᵀ·dZ = Â·dZ.
	dt := adj.MulDense(dz, workers)
	l.in.AccumulateGrad(l.w.Grad, dt)
	if !needInput {
		return nil
	}
	ir, ic := l.in.Dims()
	dIn := mat.NewDense(ir, ic, nil)
	dIn.Mul(dt, l.w.Value.T())
	return dIn
}

func apply(a activation, x float64) float64 {
	switch a {
	case actTanh:
		return tanh(x)
	default:
		if x > 0 {
			return x
		}
		return 0
	}
}

// derivative is expressed in terms of the activation output y.
func derivative(a activation, y float64) float64 {
	switch a {
	case actTanh:
		return 1 - y*y
	default:
		if y > 0 {
			return 1
		}
		return 0
	}
}
