package model

import (
	"fmt"
	"math/rand"

	"github.com/sanonone/cernet/pkg/expression"
	"github.com/sanonone/cernet/pkg/graph"
	"gonum.org/v1/gonum/mat"
)

// Config fixes the model architecture.
type Config struct {
	// NumRNAs is the number of RNA nodes, which is also the width of a cell's
	// expression row.
	NumRNAs int
	// Types holds the RNA type of every node, in node order.
	Types []graph.RNAType
	// HVG lists the node indices reconstructed by the expression decoder.
	HVG []int

	EmbeddingDim int
	// HiddenDim is the width of hidden encoder layers; zero means EmbeddingDim.
	HiddenDim int
	Depth     int

	Seed    int64
	Workers int
}

// LossWeights are the fixed coefficients of the composite objective.
type LossWeights struct {
	Alpha  float64
	Beta   float64
	Lambda float64
}

// Losses breaks down one evaluation of the composite objective.
type Losses struct {
	Composite      float64
	Network        float64
	Expression     float64
	Regularization float64
}

// CellBatch is a mini-batch of cells with their one-hop neighbourhood. The first
// NumCore entries of Cells are the sampled cells; the rest are halo cells that
// only contribute to message passing.
type CellBatch struct {
	Cells   []int
	NumCore int
	// Epoch is the zero-based epoch the batch was drawn in.
	Epoch int
	// Adj is the normalized adjacency of the induced subgraph, in Cells order.
	Adj *CSR
	// Rows holds the expression row of every entry of Cells.
	Rows []expression.Row
	// Observed is the NumCore × HVG expression target, nil for inference batches.
	Observed *mat.Dense
}

// EdgeSample holds the positive edges and negative pairs of one step.
type EdgeSample struct {
	Positive []Pair
	Negative []Pair
}

// Model bundles both encoders, the fusion layer and both decoders.
type Model struct {
	cfg Config

	Cell        *CellViewEncoder
	Network     *NetworkViewEncoder
	Fusion      *FusionAttentionLayer
	NetDecoder  NetworkDecoder
	ExprDecoder *ExpressionDecoder

	params []*Param
}

// New builds a model with freshly initialized parameters.
func New(cfg Config) (*Model, error) {
	if cfg.NumRNAs < 2 || len(cfg.Types) != cfg.NumRNAs {
		return nil, &DimensionMismatchError{Op: "rna types", Want: [2]int{cfg.NumRNAs, 1}, Got: [2]int{len(cfg.Types), 1}}
	}
	if cfg.EmbeddingDim < 1 {
		return nil, fmt.Errorf("model: embedding dimension must be positive, got %d", cfg.EmbeddingDim)
	}
	if cfg.HiddenDim <= 0 {
		cfg.HiddenDim = cfg.EmbeddingDim
	}
	for _, g := range cfg.HVG {
		if g < 0 || g >= cfg.NumRNAs {
			return nil, &DimensionMismatchError{Op: "hvg index", Want: [2]int{cfg.NumRNAs, 1}, Got: [2]int{g, 1}}
		}
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	cellEnc, err := newEncoder("cell", cfg.NumRNAs, cfg.HiddenDim, cfg.EmbeddingDim, cfg.Depth, rng)
	if err != nil {
		return nil, err
	}
	netEnc, err := newEncoder("network", RNAFeatureDim, cfg.HiddenDim, cfg.EmbeddingDim, cfg.Depth, rng)
	if err != nil {
		return nil, err
	}

	m := &Model{
		cfg:         cfg,
		Cell:        &CellViewEncoder{enc: cellEnc},
		Network:     &NetworkViewEncoder{enc: netEnc},
		Fusion:      newFusion(cfg.EmbeddingDim, rng),
		ExprDecoder: newExpressionDecoder(cfg.EmbeddingDim, cfg.HVG, rng),
	}
	m.params = append(m.params, cellEnc.params()...)
	m.params = append(m.params, netEnc.params()...)
	m.params = append(m.params, m.Fusion.params()...)
	m.params = append(m.params, m.ExprDecoder.params()...)
	return m, nil
}

// Config returns the architecture the model was built with.
func (m *Model) Config() Config { return m.cfg }

// Params returns every learnable parameter in a stable order.
func (m *Model) Params() []*Param { return m.params }

// ZeroGrad clears every gradient.
func (m *Model) ZeroGrad() {
	for _, p := range m.params {
		p.ZeroGrad()
	}
}

// NetworkAdjacency returns the normalized adjacency of the active network, with
// the latest learned weights.
func NetworkAdjacency(snap *graph.Snapshot) *CSR {
	pairs := make([]WeightedPair, 0, snap.NumEdges())
	for e := range snap.ActiveEdges() {
		pairs = append(pairs, WeightedPair{U: e.U, V: e.V, W: e.Weight})
	}
	return NormalizedAdjacency(snap.NumNodes(), pairs)
}

// StepResult is the outcome of a training pass.
type StepResult struct {
	Losses
	// EdgeScores holds the attention score of every edge of the snapshot, by id.
	EdgeScores []float64
}

// TrainStep runs the forward pass on the batch, evaluates the composite loss and
// leaves its gradient in every parameter. The optimizer update is left to the
// caller.
func (m *Model) TrainStep(snap *graph.Snapshot, b *CellBatch, sample EdgeSample, w LossWeights) (*StepResult, error) {
	return m.run(snap, b, sample, w, true)
}

// Evaluate computes the composite loss without touching gradients.
func (m *Model) Evaluate(snap *graph.Snapshot, b *CellBatch, sample EdgeSample, w LossWeights) (*StepResult, error) {
	return m.run(snap, b, sample, w, false)
}

func (m *Model) run(snap *graph.Snapshot, b *CellBatch, sample EdgeSample, w LossWeights, train bool) (*StepResult, error) {
	if err := checkShape("snapshot nodes", m.cfg.NumRNAs, -1, snap.NumNodes(), 0); err != nil {
		return nil, err
	}
	if b.NumCore < 1 || b.NumCore > len(b.Rows) || len(b.Rows) != len(b.Cells) {
		return nil, &DimensionMismatchError{Op: "cell batch", Want: [2]int{len(b.Cells), b.NumCore}, Got: [2]int{len(b.Rows), b.NumCore}}
	}
	workers := m.cfg.Workers
	core := b.Rows[:b.NumCore]

	netAdj := NetworkAdjacency(snap)
	zg, err := m.Network.Encode(netAdj, RNAFeatures(core, m.cfg.Types), workers)
	if err != nil {
		return nil, err
	}
	zcAll, err := m.Cell.Encode(b.Adj, SparseInput{Rows: b.Rows, NumCols: m.cfg.NumRNAs}, workers)
	if err != nil {
		return nil, err
	}
	d := m.cfg.EmbeddingDim
	zc := mat.DenseCopyOf(zcAll.Slice(0, b.NumCore, 0, d))

	br := newBridge(core, m.cfg.NumRNAs)
	h, scores, err := m.Fusion.Fuse(br.forward(zc), zg, snap.Edges(), workers)
	if err != nil {
		return nil, err
	}

	var dh, dzc *mat.Dense
	if train {
		m.ZeroGrad()
		dh = mat.NewDense(m.cfg.NumRNAs, d, nil)
		dzc = mat.NewDense(b.NumCore, d, nil)
	}

	res := &StepResult{EdgeScores: scores}
	res.Network = m.NetDecoder.Loss(h, sample.Positive, sample.Negative, w.Alpha, dh)
	scratch := make([]float64, d)
	res.Network += contrastive(sample.Positive, sample.Negative, func(p Pair) float64 {
		return m.Fusion.logit(h, p.U, p.V, scratch)
	}, func(p Pair, g float64) {
		if train {
			m.Fusion.backwardLogit(h, dh, p.U, p.V, w.Alpha*g)
		}
	})

	if len(m.cfg.HVG) > 0 {
		if _, err := m.ExprDecoder.Reconstruct(zc, h); err != nil {
			return nil, err
		}
		res.Expression, err = m.ExprDecoder.Loss(b.Observed, w.Beta, dzc, dh)
		if err != nil {
			return nil, err
		}
	}
	res.Regularization = L2Penalty(m.params)
	res.Composite = w.Alpha*res.Network + w.Beta*res.Expression + w.Lambda*res.Regularization
	if !train {
		return res, nil
	}

	du, dzg := m.Fusion.backward(dh)
	if err := m.Network.enc.backward(netAdj, dzg, workers); err != nil {
		return nil, err
	}
	br.backward(du, dzc)
	dzcAll := mat.NewDense(len(b.Rows), d, nil)
	dzcAll.Slice(0, b.NumCore, 0, d).(*mat.Dense).Copy(dzc)
	if err := m.Cell.enc.backward(b.Adj, dzcAll, workers); err != nil {
		return nil, err
	}
	addL2Grad(m.params, w.Lambda)
	return res, nil
}

// Embeddings is the result of an inference pass.
type Embeddings struct {
	// Cells holds one row per batch core cell.
	Cells *mat.Dense
	// RNAs holds the fused embedding of every RNA node.
	RNAs *mat.Dense
	// Scores holds the attention score of every edge, by id.
	Scores []float64
}

// Infer runs the forward pass only and returns the embeddings.
func (m *Model) Infer(snap *graph.Snapshot, b *CellBatch) (*Embeddings, error) {
	core := b.Rows[:b.NumCore]
	zg, err := m.Network.Encode(NetworkAdjacency(snap), RNAFeatures(core, m.cfg.Types), m.cfg.Workers)
	if err != nil {
		return nil, err
	}
	zcAll, err := m.Cell.Encode(b.Adj, SparseInput{Rows: b.Rows, NumCols: m.cfg.NumRNAs}, m.cfg.Workers)
	if err != nil {
		return nil, err
	}
	zc := mat.DenseCopyOf(zcAll.Slice(0, b.NumCore, 0, m.cfg.EmbeddingDim))
	h, scores, err := m.Fusion.Fuse(newBridge(core, m.cfg.NumRNAs).forward(zc), zg, snap.Edges(), m.cfg.Workers)
	if err != nil {
		return nil, err
	}
	return &Embeddings{Cells: zc, RNAs: h, Scores: scores}, nil
}
