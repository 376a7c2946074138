package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// MaxDepth bounds the number of graph convolutions per encoder.
const MaxDepth = 3

// encoder is a stack of graph convolutions: ReLU on hidden layers and tanh on the
// output layer, so embeddings of both views share the same bounded range.
type encoder struct {
	name   string
	inDim  int
	outDim int
	layers []*gcnLayer
}

func newEncoder(name string, inDim, hiddenDim, outDim, depth int, rng *rand.Rand) (*encoder, error) {
	if depth < 1 || depth > MaxDepth {
		return nil, fmt.Errorf("model: %s depth %d outside [1,%d]", name, depth, MaxDepth)
	}
	e := &encoder{name: name, inDim: inDim, outDim: outDim}
	in := inDim
	for l := 0; l < depth; l++ {
		out, act := hiddenDim, actReLU
		if l == depth-1 {
			out, act = outDim, actTanh
		}
		e.layers = append(e.layers, newGCNLayer(fmt.Sprintf("%s.%d", name, l), in, out, act, rng))
		in = out
	}
	return e, nil
}

func (e *encoder) encode(adj *CSR, x Input, workers int) (*mat.Dense, error) {
	r, c := x.Dims()
	if err := checkShape(e.name+" features", adj.N(), e.inDim, r, c); err != nil {
		return nil, err
	}
	var in Input = x
	var h *mat.Dense
	for _, l := range e.layers {
		h = l.forward(adj, in, workers)
		in = DenseInput{X: h}
	}
	return h, nil
}

func (e *encoder) backward(adj *CSR, dOut *mat.Dense, workers int) error {
	r, c := dOut.Dims()
	if err := checkShape(e.name+" gradient", adj.N(), e.outDim, r, c); err != nil {
		return err
	}
	d := dOut
	for i := len(e.layers) - 1; i >= 0; i-- {
		d = e.layers[i].backward(adj, d, i > 0, workers)
	}
	return nil
}

func (e *encoder) params() []*Param {
	var ps []*Param
	for _, l := range e.layers {
		ps = append(ps, l.w, l.b)
	}
	return ps
}

// CellViewEncoder embeds cells from their sparse expression over the cell
// similarity graph.
type CellViewEncoder struct {
	enc *encoder
}

// Encode returns one embedding row per node of adj. x must have one row per node
// of adj, in the same order, and one column per RNA.
func (c *CellViewEncoder) Encode(adj *CSR, x SparseInput, workers int) (*mat.Dense, error) {
	return c.enc.encode(adj, x, workers)
}

// NetworkViewEncoder embeds RNAs from per-RNA expression summaries over the
// active ceRNA network.
type NetworkViewEncoder struct {
	enc *encoder
}

// Encode returns one embedding row per RNA. x must have one row per node of adj.
func (n *NetworkViewEncoder) Encode(adj *CSR, x *mat.Dense, workers int) (*mat.Dense, error) {
	return n.enc.encode(adj, DenseInput{X: x}, workers)
}
