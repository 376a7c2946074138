// Package train implements the training loop: mini-batch sampling with a
// one-ahead prefetch, the composite-loss step, edge weight refresh, pruning
// between steps, checkpoints and the final exports.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sanonone/cernet/pkg/graph"
	"github.com/sanonone/cernet/pkg/metrics"
	"github.com/sanonone/cernet/pkg/model"
	"github.com/sanonone/cernet/pkg/persistence"
	"github.com/sanonone/cernet/pkg/prune"
	"golang.org/x/sync/errgroup"
)

// ErrNonFiniteLoss is returned when a step produces a NaN or infinite loss.
var ErrNonFiniteLoss = errors.New("train: non-finite loss")

// Options configures a Trainer.
type Options struct {
	Weights      model.LossWeights
	LearningRate float64
	Epochs       int
	BatchSize    int
	// NegativeRatio is the number of negative pairs drawn per positive edge.
	NegativeRatio float64
	// MaxPositiveEdges caps the positives of a step; zero uses every active edge.
	MaxPositiveEdges int
	Seed             int64

	// CheckpointEvery writes a checkpoint every that many steps; zero writes one
	// only at the end of Run. CheckpointPath empty disables checkpoints.
	CheckpointEvery int
	CheckpointPath  string
	LogEvery        int

	// RunID stamps checkpoints and journal records; empty generates one.
	RunID string
}

// Summary describes a finished run.
type Summary struct {
	RunID       string
	Steps       int
	Epochs      int
	Final       model.Losses
	ActiveEdges int
	Duration    time.Duration
}

// Trainer owns the training loop. The store is mutated only between steps, by
// the weight refresh and the pruning controller.
type Trainer struct {
	store   *graph.Store
	model   *model.Model
	adam    *model.Adam
	pruner  *prune.Controller
	sampler *Sampler
	opts    Options
	logger  *slog.Logger

	rng  *rand.Rand
	step int
	// epoch is the epoch of the last consumed batch. The sampler runs ahead of
	// the step loop and is never read from it.
	epoch int
	last  model.Losses
	runID string
}

// New validates the batch size against the cell population before anything else,
// so an oversized batch fails before any forward pass. The store must carry a cell
// graph.
func New(store *graph.Store, m *model.Model, pruner *prune.Controller, opts Options, logger *slog.Logger) (*Trainer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Epochs < 1 {
		return nil, fmt.Errorf("train: epochs must be at least 1, got %d", opts.Epochs)
	}
	if opts.LogEvery < 1 {
		opts.LogEvery = 1
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	sampler, err := NewSampler(store.Expression(), store.CellGraph(), m.Config().HVG, opts.BatchSize, opts.Seed)
	if err != nil {
		return nil, err
	}
	return &Trainer{
		store:   store,
		model:   m,
		adam:    model.NewAdam(opts.LearningRate),
		pruner:  pruner,
		sampler: sampler,
		opts:    opts,
		logger:  logger,
		rng:     rand.New(rand.NewSource(opts.Seed + 1)),
		runID:   opts.RunID,
	}, nil
}

// RunID returns the identifier of the run.
func (t *Trainer) RunID() string { return t.runID }

// Steps returns the number of completed steps.
func (t *Trainer) Steps() int { return t.step }

// TotalSteps returns the number of steps of a full run.
func (t *Trainer) TotalSteps() int { return t.opts.Epochs * t.sampler.BatchesPerEpoch() }

// Run trains until every epoch is done or ctx is cancelled. Batches are built one
// ahead of the step that consumes them. Any step error aborts the run; the last
// checkpoint remains the valid state.
func (t *Trainer) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	remaining := t.TotalSteps() - t.step
	t.logger.Info("training started",
		"run_id", t.runID, "steps", remaining, "resumed_at", t.step,
		"batches_per_epoch", t.sampler.BatchesPerEpoch(), "params", len(t.model.Params()))

	g, gctx := errgroup.WithContext(ctx)
	batches := t.sampler.Stream(gctx, g, remaining)
	g.Go(func() error {
		for b := range batches {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := t.Step(b); err != nil {
				return err
			}
			if t.opts.CheckpointPath != "" && t.opts.CheckpointEvery > 0 && t.step%t.opts.CheckpointEvery == 0 {
				if err := t.SaveCheckpoint(t.opts.CheckpointPath); err != nil {
					return err
				}
			}
		}
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if t.opts.CheckpointPath != "" {
		if err := t.SaveCheckpoint(t.opts.CheckpointPath); err != nil {
			return nil, err
		}
	}
	sum := &Summary{
		RunID:       t.runID,
		Steps:       t.step,
		Epochs:      t.opts.Epochs,
		Final:       t.last,
		ActiveEdges: t.store.Snapshot().NumActive(),
		Duration:    time.Since(start),
	}
	t.logger.Info("training finished",
		"steps", sum.Steps, "loss", sum.Final.Composite, "active_edges", sum.ActiveEdges, "duration", sum.Duration)
	return sum, nil
}

// Step runs one training step on b: forward and backward over a snapshot of the
// store, an optimizer update, the edge weight refresh, then pruning when due.
func (t *Trainer) Step(b *model.CellBatch) (*model.StepResult, error) {
	start := time.Now()
	snap := t.store.Snapshot()
	sample := t.edgeSample(snap)

	res, err := t.model.TrainStep(snap, b, sample, t.opts.Weights)
	if err != nil {
		return nil, fmt.Errorf("train: step %d: %w", t.step+1, err)
	}
	if math.IsNaN(res.Composite) || math.IsInf(res.Composite, 0) {
		return nil, fmt.Errorf("%w at step %d: %v", ErrNonFiniteLoss, t.step+1, res.Composite)
	}
	t.adam.Step(t.model.Params())
	if err := t.store.SetEdgeWeights(snap.Version(), res.EdgeScores); err != nil {
		return nil, fmt.Errorf("train: step %d: %w", t.step+1, err)
	}
	t.step++
	t.epoch = b.Epoch
	t.last = res.Losses

	metrics.TrainingSteps.Inc()
	metrics.Loss.WithLabelValues("composite").Set(res.Composite)
	metrics.Loss.WithLabelValues("network").Set(res.Network)
	metrics.Loss.WithLabelValues("expression").Set(res.Expression)
	metrics.Loss.WithLabelValues("regularization").Set(res.Regularization)
	if t.step%t.opts.LogEvery == 0 {
		t.logger.Info("training step",
			"step", t.step, "epoch", t.epoch, "loss", res.Composite, "network", res.Network,
			"expression", res.Expression, "regularization", res.Regularization,
			"positives", len(sample.Positive), "negatives", len(sample.Negative))
	}

	if t.pruner != nil {
		if _, err := t.pruner.Step(t.step, t.store); err != nil {
			return nil, err
		}
	}
	metrics.StepDuration.Observe(time.Since(start).Seconds())
	return res, nil
}

// edgeSample returns the active edges as positives, capped when configured, and a
// fresh set of negative pairs.
func (t *Trainer) edgeSample(snap *graph.Snapshot) model.EdgeSample {
	var pos []model.Pair
	for e := range snap.ActiveEdges() {
		pos = append(pos, model.Pair{U: e.U, V: e.V})
	}
	if limit := t.opts.MaxPositiveEdges; limit > 0 && len(pos) > limit {
		t.rng.Shuffle(len(pos), func(i, j int) { pos[i], pos[j] = pos[j], pos[i] })
		pos = pos[:limit]
	}
	count := int(math.Ceil(t.opts.NegativeRatio * float64(len(pos))))
	return model.EdgeSample{Positive: pos, Negative: model.SampleNegatives(snap, count, t.rng)}
}

// SaveCheckpoint writes the current state to path.
func (t *Trainer) SaveCheckpoint(path string) error {
	if err := persistence.WriteCheckpoint(path, t.Checkpoint()); err != nil {
		return err
	}
	t.logger.Info("checkpoint written", "path", path, "step", t.step)
	return nil
}
