package train

import (
	"context"
	"math/rand"
	"slices"

	"github.com/sanonone/cernet/pkg/expression"
	"github.com/sanonone/cernet/pkg/graph"
	"github.com/sanonone/cernet/pkg/model"
	"golang.org/x/sync/errgroup"
)

// Sampler draws shuffled mini-batches of cells. Every epoch visits each cell once
// as a core cell; the one-hop neighbours of the core cells join the batch as halo
// cells so that message passing sees their full neighbourhood.
type Sampler struct {
	expr      *expression.Matrix
	cells     *graph.CellGraph
	hvg       []int
	batchSize int

	rng   *rand.Rand
	perm  []int
	pos   int
	epoch int
}

// NewSampler fails with a BatchTooSmallError when batchSize exceeds the number
// of cells.
func NewSampler(expr *expression.Matrix, cells *graph.CellGraph, hvg []int, batchSize int, seed int64) (*Sampler, error) {
	n := expr.NumCells()
	if err := CheckBatchSize(batchSize, n); err != nil {
		return nil, err
	}
	if cells == nil || cells.NumCells() != n {
		return nil, &graph.SchemaError{Reason: "cell graph missing or built on a different matrix"}
	}
	s := &Sampler{
		expr:      expr,
		cells:     cells,
		hvg:       hvg,
		batchSize: batchSize,
		rng:       rand.New(rand.NewSource(seed)),
	}
	s.shuffle()
	return s, nil
}

// BatchesPerEpoch returns the number of batches needed to cover every cell once.
func (s *Sampler) BatchesPerEpoch() int {
	n := s.expr.NumCells()
	return (n + s.batchSize - 1) / s.batchSize
}

// Epoch returns the zero-based epoch of the latest batch drawn. The sampler is
// owned by the goroutine drawing from it; consumers of a Stream read the epoch
// stamped on each batch instead.
func (s *Sampler) Epoch() int { return s.epoch }

func (s *Sampler) shuffle() {
	s.perm = s.rng.Perm(s.expr.NumCells())
	s.pos = 0
}

// nextCore advances the permutation and returns the next core cells with the
// epoch they belong to.
func (s *Sampler) nextCore() ([]int, int) {
	if s.pos >= len(s.perm) {
		s.epoch++
		s.shuffle()
	}
	end := min(s.pos+s.batchSize, len(s.perm))
	core := slices.Clone(s.perm[s.pos:end])
	s.pos = end
	return core, s.epoch
}

// Skip discards n batches without building them, used when resuming.
func (s *Sampler) Skip(n int) {
	for range n {
		s.nextCore()
	}
}

// Next builds the next training batch, expression targets included.
func (s *Sampler) Next() *model.CellBatch {
	core, epoch := s.nextCore()
	b := s.build(core)
	b.Epoch = epoch
	if len(s.hvg) > 0 {
		b.Observed = s.expr.Dense(core, s.hvg)
	}
	return b
}

// build assembles the batch for the given core cells: halo cells in ascending
// order after the core and the normalized adjacency of the induced subgraph.
func (s *Sampler) build(core []int) *model.CellBatch {
	local := make(map[int]int, len(core))
	for i, c := range core {
		local[c] = i
	}
	var halo []int
	for _, c := range core {
		for _, nb := range s.cells.Neighbors(c) {
			if _, ok := local[nb.Cell]; !ok {
				local[nb.Cell] = -1
				halo = append(halo, nb.Cell)
			}
		}
	}
	slices.Sort(halo)
	cells := append(slices.Clone(core), halo...)
	for i, c := range cells {
		local[c] = i
	}

	var pairs []model.WeightedPair
	for i, c := range cells {
		for _, nb := range s.cells.Neighbors(c) {
			j, ok := local[nb.Cell]
			if ok && j > i {
				pairs = append(pairs, model.WeightedPair{U: i, V: j, W: nb.Weight})
			}
		}
	}

	rows := make([]expression.Row, len(cells))
	for i, c := range cells {
		rows[i] = s.expr.Row(c)
	}
	return &model.CellBatch{
		Cells:   cells,
		NumCore: len(core),
		Adj:     model.NormalizedAdjacency(len(cells), pairs),
		Rows:    rows,
	}
}

// FullBatch returns a batch holding every cell as a core cell, used for
// inference. It carries no expression targets and does not advance the sampler.
func (s *Sampler) FullBatch() *model.CellBatch {
	all := make([]int, s.expr.NumCells())
	for i := range all {
		all[i] = i
	}
	return s.build(all)
}

// Stream builds count batches on a goroutine of g and hands them over an
// unbuffered channel, so at most one batch is prepared ahead of the consumer.
// The channel is closed when count batches were sent or ctx is done.
func (s *Sampler) Stream(ctx context.Context, g *errgroup.Group, count int) <-chan *model.CellBatch {
	out := make(chan *model.CellBatch)
	g.Go(func() error {
		defer close(out)
		for range count {
			if err := ctx.Err(); err != nil {
				return err
			}
			b := s.Next()
			select {
			case out <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	return out
}
