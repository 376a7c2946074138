package model

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param is a learnable matrix with its gradient and Adam moment estimates.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
	// M and V are Adam's first and second moment estimates.
	M *mat.Dense
	V *mat.Dense
	// Decay marks weight matrices subject to the L2 penalty. Biases are not.
	Decay bool
}

func newParam(name string, r, c int, decay bool) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(r, c, nil),
		Grad:  mat.NewDense(r, c, nil),
		M:     mat.NewDense(r, c, nil),
		V:     mat.NewDense(r, c, nil),
		Decay: decay,
	}
}

// glorot fills the value with Glorot-uniform samples.
func (p *Param) glorot(rng *rand.Rand) {
	r, c := p.Value.Dims()
	s := math.Sqrt(6 / float64(r+c))
	raw := p.Value.RawMatrix().Data
	for i := range raw {
		raw[i] = (rng.Float64()*2 - 1) * s
	}
}

func (p *Param) fill(v float64) {
	raw := p.Value.RawMatrix().Data
	for i := range raw {
		raw[i] = v
	}
}

// ZeroGrad resets the gradient.
func (p *Param) ZeroGrad() { p.Grad.Zero() }

// Dims returns the parameter shape.
func (p *Param) Dims() (int, int) { return p.Value.Dims() }

// L2Penalty returns ½ Σ‖W‖² over the decaying parameters.
func L2Penalty(params []*Param) float64 {
	var sum float64
	for _, p := range params {
		if !p.Decay {
			continue
		}
		raw := p.Value.RawMatrix().Data
		sum += floats.Dot(raw, raw)
	}
	return sum / 2
}

// addL2Grad adds lambda·W to the gradient of every decaying parameter.
func addL2Grad(params []*Param, lambda float64) {
	if lambda == 0 {
		return
	}
	for _, p := range params {
		if p.Decay {
			p.Grad.Add(p.Grad, scaled(lambda, p.Value))
		}
	}
}

func scaled(f float64, m mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Scale(f, m)
	return &out
}

// Adam implements the Adam optimizer with bias correction.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	t int
}

// NewAdam returns an optimizer with the usual moment decay rates.
func NewAdam(learningRate float64) *Adam {
	return &Adam{LearningRate: learningRate, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// Steps returns the number of updates applied so far.
func (a *Adam) Steps() int { return a.t }

// SetSteps restores the update counter, used when resuming.
func (a *Adam) SetSteps(t int) { a.t = t }

// Step applies one update to every parameter from its current gradient.
func (a *Adam) Step(params []*Param) {
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for _, p := range params {
		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data
		m := p.M.RawMatrix().Data
		v := p.V.RawMatrix().Data
		for i := range w {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g[i]
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g[i]*g[i]
			w[i] -= a.LearningRate * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.Epsilon)
		}
	}
}
