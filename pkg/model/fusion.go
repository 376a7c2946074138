package model

import (
	"math/rand"

	"github.com/sanonone/cernet/pkg/graph"
	"github.com/viterin/vek"
	"gonum.org/v1/gonum/mat"
)

// FusionAttentionLayer merges the cell-derived and network-derived RNA
// embeddings and scores every edge with a sigmoid over a bilinear form of the
// fused endpoint embeddings:
//
//	H = tanh([U | Zg]·W + b)
//	score(u, v) = σ(Σ_k a_k·H_uk·H_vk + c)
//
// Scores are comparable across the whole edge population.
type FusionAttentionLayer struct {
	dim int
	w   *Param
	b   *Param
	a   *Param
	c   *Param

	cat *mat.Dense
	h   *mat.Dense
}

func newFusion(dim int, rng *rand.Rand) *FusionAttentionLayer {
	f := &FusionAttentionLayer{
		dim: dim,
		w:   newParam("fusion.w", 2*dim, dim, true),
		b:   newParam("fusion.b", 1, dim, false),
		a:   newParam("fusion.a", 1, dim, true),
		c:   newParam("fusion.c", 1, 1, false),
	}
	f.w.glorot(rng)
	f.a.fill(1)
	return f
}

func (f *FusionAttentionLayer) params() []*Param { return []*Param{f.w, f.b, f.a, f.c} }

// Fuse returns the fused node embeddings and the sigmoid score of every edge,
// indexed like edges.
func (f *FusionAttentionLayer) Fuse(u, zg *mat.Dense, edges []graph.Edge, workers int) (*mat.Dense, []float64, error) {
	h, err := f.forward(u, zg)
	if err != nil {
		return nil, nil, err
	}
	return h, f.EdgeScores(h, edges, workers), nil
}

func (f *FusionAttentionLayer) forward(u, zg *mat.Dense) (*mat.Dense, error) {
	ur, uc := u.Dims()
	gr, gc := zg.Dims()
	if err := checkShape("fusion network view", ur, f.dim, gr, gc); err != nil {
		return nil, err
	}
	if err := checkShape("fusion cell view", gr, f.dim, ur, uc); err != nil {
		return nil, err
	}

	cat := mat.NewDense(ur, 2*f.dim, nil)
	cat.Slice(0, ur, 0, f.dim).(*mat.Dense).Copy(u)
	cat.Slice(0, ur, f.dim, 2*f.dim).(*mat.Dense).Copy(zg)

	h := mat.NewDense(ur, f.dim, nil)
	h.Mul(cat, f.w.Value)
	bias := f.b.Value.RawRowView(0)
	for i := 0; i < ur; i++ {
		row := h.RawRowView(i)
		for j := range row {
			row[j] = tanh(row[j] + bias[j])
		}
	}
	f.cat, f.h = cat, h
	return h, nil
}

// logit returns the pre-sigmoid attention score of (u, v).
func (f *FusionAttentionLayer) logit(h *mat.Dense, u, v int, scratch []float64) float64 {
	vek.Mul_Into(scratch, f.a.Value.RawRowView(0), h.RawRowView(u))
	return vek.Dot(scratch, h.RawRowView(v)) + f.c.Value.At(0, 0)
}

// EdgeScores returns σ(logit) for every edge, computed in parallel.
func (f *FusionAttentionLayer) EdgeScores(h *mat.Dense, edges []graph.Edge, workers int) []float64 {
	scores := make([]float64, len(edges))
	parallelFor(len(edges), workers, func(start, end int) {
		scratch := make([]float64, f.dim)
		for i := start; i < end; i++ {
			scores[i] = sigmoid(f.logit(h, edges[i].U, edges[i].V, scratch))
		}
	})
	return scores
}

// backwardLogit accumulates dL/dlogit = g for pair (u, v) into the attention
// parameters and into dh.
func (f *FusionAttentionLayer) backwardLogit(h, dh *mat.Dense, u, v int, g float64) {
	a := f.a.Value.RawRowView(0)
	da := f.a.Grad.RawRowView(0)
	hu, hv := h.RawRowView(u), h.RawRowView(v)
	du, dv := dh.RawRowView(u), dh.RawRowView(v)
	for k := range a {
		da[k] += g * hu[k] * hv[k]
		du[k] += g * a[k] * hv[k]
		dv[k] += g * a[k] * hu[k]
	}
	f.c.Grad.Set(0, 0, f.c.Grad.At(0, 0)+g)
}

// backward propagates dh through the fusion transform and returns the gradients
// with respect to the cell view and the network view.
func (f *FusionAttentionLayer) backward(dh *mat.Dense) (du, dzg *mat.Dense) {
	r, _ := dh.Dims()
	df := mat.NewDense(r, f.dim, nil)
	db := f.b.Grad.RawRowView(0)
	for i := 0; i < r; i++ {
		src, h, dst := dh.RawRowView(i), f.h.RawRowView(i), df.RawRowView(i)
		for j := range dst {
			dst[j] = src[j] * (1 - h[j]*h[j])
			db[j] += dst[j]
		}
	}

	var dw mat.Dense
	dw.Mul(f.cat.T(), df)
	f.w.Grad.Add(f.w.Grad, &dw)

	dcat := mat.NewDense(r, 2*f.dim, nil)
	dcat.Mul(df, f.w.Value.T())
	du = mat.DenseCopyOf(dcat.Slice(0, r, 0, f.dim))
	dzg = mat.DenseCopyOf(dcat.Slice(0, r, f.dim, 2*f.dim))
	return du, dzg
}
