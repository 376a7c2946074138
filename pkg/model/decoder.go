package model

import (
	"math/rand"

	"github.com/sanonone/cernet/pkg/graph"
	"github.com/viterin/vek"
	"gonum.org/v1/gonum/mat"
)

// Pair is an unordered pair of RNA node indices.
type Pair struct {
	U, V int
}

// NetworkDecoder scores RNA pairs by the inner product of their fused embeddings.
type NetworkDecoder struct{}

// ScoreEdge returns the link logit for two embeddings.
func (NetworkDecoder) ScoreEdge(a, b []float64) float64 { return vek.Dot(a, b) }

// Loss returns the binary cross-entropy of positive pairs against sampled
// negatives, each side averaged separately, and adds scale·dL/dh into dh.
// dh may be nil when no gradient is needed.
func (d NetworkDecoder) Loss(h *mat.Dense, pos, neg []Pair, scale float64, dh *mat.Dense) float64 {
	return contrastive(pos, neg, func(p Pair) float64 {
		return d.ScoreEdge(h.RawRowView(p.U), h.RawRowView(p.V))
	}, func(p Pair, g float64) {
		if dh == nil {
			return
		}
		hu, hv := h.RawRowView(p.U), h.RawRowView(p.V)
		du, dv := dh.RawRowView(p.U), dh.RawRowView(p.V)
		for k := range hu {
			du[k] += scale * g * hv[k]
			dv[k] += scale * g * hu[k]
		}
	})
}

// contrastive evaluates mean softplus(-l) over pos plus mean softplus(l) over neg
// and reports dL/dl for every pair through grad.
func contrastive(pos, neg []Pair, logit func(Pair) float64, grad func(Pair, float64)) float64 {
	var loss float64
	if n := float64(len(pos)); n > 0 {
		for _, p := range pos {
			l := logit(p)
			loss += softplus(-l) / n
			grad(p, -sigmoid(-l)/n)
		}
	}
	if n := float64(len(neg)); n > 0 {
		for _, p := range neg {
			l := logit(p)
			loss += softplus(l) / n
			grad(p, sigmoid(l)/n)
		}
	}
	return loss
}

// SampleNegatives draws up to count distinct pairs uniformly among RNA pairs that
// are neither self-pairs nor edges of the input network, active or pruned. The
// number of draws is bounded, so fewer pairs are returned on dense graphs.
func SampleNegatives(snap *graph.Snapshot, count int, rng *rand.Rand) []Pair {
	n := snap.NumNodes()
	if count <= 0 || n < 2 {
		return nil
	}
	out := make([]Pair, 0, count)
	seen := make(map[Pair]struct{}, count)
	for attempts := 0; len(out) < count && attempts < 20*count; attempts++ {
		u, v := rng.Intn(n), rng.Intn(n)
		if u == v || snap.Observed(u, v) {
			continue
		}
		if u > v {
			u, v = v, u
		}
		p := Pair{U: u, V: v}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// ExpressionDecoder reconstructs the expression of the highly variable RNAs from
// cell and RNA embeddings:
//
//	X̂ = relu(Zc·W + b)·H_hvgᵀ + b_out
type ExpressionDecoder struct {
	hvg  []int
	w    *Param
	b    *Param
	bOut *Param

	zc  *mat.Dense
	q   *mat.Dense
	hh  *mat.Dense
	hat *mat.Dense
}

func newExpressionDecoder(dim int, hvg []int, rng *rand.Rand) *ExpressionDecoder {
	d := &ExpressionDecoder{
		hvg:  append([]int(nil), hvg...),
		w:    newParam("expr.w", dim, dim, true),
		b:    newParam("expr.b", 1, dim, false),
		bOut: newParam("expr.out", 1, max(len(hvg), 1), false),
	}
	d.w.glorot(rng)
	return d
}

func (d *ExpressionDecoder) params() []*Param { return []*Param{d.w, d.b, d.bOut} }

// HVG returns the RNA node indices reconstructed by the decoder.
func (d *ExpressionDecoder) HVG() []int { return d.hvg }

// Reconstruct returns the cells × HVG prediction for the cell embeddings zc and
// fused RNA embeddings h.
func (d *ExpressionDecoder) Reconstruct(zc, h *mat.Dense) (*mat.Dense, error) {
	if len(d.hvg) == 0 {
		return nil, nil
	}
	zr, zcols := zc.Dims()
	wr, _ := d.w.Dims()
	if err := checkShape("expression decoder cells", -1, wr, zr, zcols); err != nil {
		return nil, err
	}
	hr, hc := h.Dims()
	if err := checkShape("expression decoder rnas", -1, wr, hr, hc); err != nil {
		return nil, err
	}

	q := mat.NewDense(zr, wr, nil)
	q.Mul(zc, d.w.Value)
	b := d.b.Value.RawRowView(0)
	for i := 0; i < zr; i++ {
		row := q.RawRowView(i)
		for j := range row {
			row[j] = max(0, row[j]+b[j])
		}
	}

	hh := mat.NewDense(len(d.hvg), hc, nil)
	for k, g := range d.hvg {
		if g < 0 || g >= hr {
			return nil, &DimensionMismatchError{Op: "expression decoder hvg index", Want: [2]int{hr, hc}, Got: [2]int{g, hc}}
		}
		hh.SetRow(k, h.RawRowView(g))
	}

	hat := mat.NewDense(zr, len(d.hvg), nil)
	hat.Mul(q, hh.T())
	bo := d.bOut.Value.RawRowView(0)
	for i := 0; i < zr; i++ {
		row := hat.RawRowView(i)
		for j := range row {
			row[j] += bo[j]
		}
	}
	d.zc, d.q, d.hh, d.hat = zc, q, hh, hat
	return hat, nil
}

// Loss returns the mean squared error between the last reconstruction and
// observed. When dzc and dh are non-nil, scale·gradients are added to them.
func (d *ExpressionDecoder) Loss(observed *mat.Dense, scale float64, dzc, dh *mat.Dense) (float64, error) {
	if d.hat == nil {
		return 0, nil
	}
	r, c := d.hat.Dims()
	or, oc := observed.Dims()
	if err := checkShape("expression decoder target", r, c, or, oc); err != nil {
		return 0, err
	}

	diff := mat.NewDense(r, c, nil)
	diff.Sub(d.hat, observed)
	var loss float64
	for i := 0; i < r; i++ {
		for _, x := range diff.RawRowView(i) {
			loss += x * x
		}
	}
	n := float64(r * c)
	loss /= n
	if dzc == nil || dh == nil {
		return loss, nil
	}

	dhat := diff
	dhat.Scale(2*scale/n, diff)

	dbo := d.bOut.Grad.RawRowView(0)
	for i := 0; i < r; i++ {
		for j, x := range dhat.RawRowView(i) {
			dbo[j] += x
		}
	}

	var dhh mat.Dense
	dhh.Mul(dhat.T(), d.q)
	for k, g := range d.hvg {
		vek.Add_Inplace(dh.RawRowView(g), dhh.RawRowView(k))
	}

	_, qc := d.q.Dims()
	dq := mat.NewDense(r, qc, nil)
	dq.Mul(dhat, d.hh)
	db := d.b.Grad.RawRowView(0)
	for i := 0; i < r; i++ {
		row, q := dq.RawRowView(i), d.q.RawRowView(i)
		for j := range row {
			if q[j] <= 0 {
				row[j] = 0
			}
			db[j] += row[j]
		}
	}

	var dw mat.Dense
	dw.Mul(d.zc.T(), dq)
	d.w.Grad.Add(d.w.Grad, &dw)

	var dz mat.Dense
	dz.Mul(dq, d.w.Value.T())
	dzc.Add(dzc, &dz)
	return loss, nil
}
