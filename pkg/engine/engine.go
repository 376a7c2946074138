// Package engine provides the high-level entry point of cernet.
//
// It loads the ceRNA network and the expression matrix, builds the graph store
// and the cell-similarity graph, wires the model, the pruning controller and the
// training loop together, and owns the on-disk artifacts of a run (checkpoint,
// pruning journal, exported tables).
//
// Basic usage:
//
//	e, err := engine.Open(ctx, engine.Options{
//	    Config:         config.Default(),
//	    EdgesPath:      "edges.tsv",
//	    ExpressionPath: "expression.tsv",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Close()
//	res, err := e.Run(ctx)
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sanonone/cernet/pkg/config"
	"github.com/sanonone/cernet/pkg/core"
	"github.com/sanonone/cernet/pkg/core/distance"
	"github.com/sanonone/cernet/pkg/expression"
	"github.com/sanonone/cernet/pkg/graph"
	"github.com/sanonone/cernet/pkg/metrics"
	"github.com/sanonone/cernet/pkg/model"
	"github.com/sanonone/cernet/pkg/persistence"
	"github.com/sanonone/cernet/pkg/prune"
	"github.com/sanonone/cernet/pkg/train"
)

// JournalFile is the name of the pruning journal inside the output directory.
const JournalFile = "prune.journal"

// Options configures Open.
type Options struct {
	Config config.Config

	EdgesPath      string
	ExpressionPath string
	// Orientation of the expression file; empty means one row per cell.
	Orientation expression.Orientation

	// Resume restores the checkpoint of the output directory when one exists.
	Resume bool

	Logger *slog.Logger
}

// Result is the outcome of Run.
type Result struct {
	Summary *train.Summary
	Outputs *train.ExportPaths
}

// Engine holds a fully wired training run.
//
// Use Open() to initialize an Engine and Close() to release its files.
type Engine struct {
	Store   *graph.Store
	Model   *model.Model
	Trainer *train.Trainer

	opts           Options
	logger         *slog.Logger
	journal        *persistence.Journal
	checkpointPath string

	closeOnce sync.Once
}

// Open loads the inputs and prepares a run. It performs the following actions:
// 1. Reads the edge list and the expression matrix.
// 2. Builds the graph store and removes RNAs never expressed.
// 3. Selects the highly variable RNAs and builds the cell graph.
// 4. Builds the model, the pruning controller and the trainer.
// 5. Restores the last checkpoint when Resume is set.
//
// Every input problem surfaces here, before any training step.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	records, err := readEdges(opts.EdgesPath)
	if err != nil {
		return nil, err
	}
	expr, err := readExpression(opts.ExpressionPath, opts.Orientation)
	if err != nil {
		return nil, err
	}
	store, err := graph.Load(records, expr, graph.ConfidenceFilter{
		MinScore: cfg.Confidence.MinScore,
		Quantile: cfg.Confidence.Quantile,
	})
	if err != nil {
		return nil, err
	}
	removed, err := store.FilterZeroExpression()
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		logger.Info("RNAs without expression dropped", "count", len(removed), "first", removed[0])
	}
	if err := train.CheckBatchSize(cfg.BatchSize, store.Expression().NumCells()); err != nil {
		return nil, err
	}

	var hvg []int
	if cfg.HVGCount > 0 {
		hvg = store.Expression().HighlyVariable(cfg.HVGCount)
	}
	_, err = store.BuildCellGraph(ctx, graph.CellGraphOptions{
		K:          cfg.K,
		Features:   hvg,
		Components: cfg.PCAComponents,
		KNN: core.KNNOptions{
			Metric:         distance.DistanceMetric(cfg.CellGraph.Metric),
			Precision:      distance.PrecisionType(cfg.CellGraph.Precision),
			M:              cfg.CellGraph.M,
			EfConstruction: cfg.CellGraph.EfConstruction,
			EfSearch:       cfg.CellGraph.EfSearch,
			ExactBelow:     cfg.CellGraph.ExactBelow,
			Seed:           cfg.Seed,
			Workers:        cfg.Workers,
		},
	})
	if err != nil {
		return nil, err
	}

	nodes := store.Nodes()
	types := make([]graph.RNAType, len(nodes))
	for i, n := range nodes {
		types[i] = n.Type
	}
	m, err := model.New(model.Config{
		NumRNAs:      len(nodes),
		Types:        types,
		HVG:          hvg,
		EmbeddingDim: cfg.EmbeddingDim,
		HiddenDim:    cfg.HiddenDim,
		Depth:        cfg.EncoderDepth,
		Seed:         cfg.Seed,
		Workers:      cfg.Workers,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Store:          store,
		Model:          m,
		opts:           opts,
		logger:         logger,
		checkpointPath: filepath.Join(cfg.OutputDir, persistence.CheckpointFile),
	}

	var ckpt *persistence.Checkpoint
	if opts.Resume {
		ckpt, err = persistence.ReadCheckpoint(e.checkpointPath)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Info("no checkpoint to resume from", "path", e.checkpointPath)
			ckpt, err = nil, nil
		}
		if err != nil {
			return nil, err
		}
	}
	runID := uuid.NewString()
	if ckpt != nil {
		runID = ckpt.RunID
	}

	e.journal, err = persistence.OpenJournal(filepath.Join(cfg.OutputDir, JournalFile))
	if err != nil {
		return nil, err
	}
	pruner, err := prune.NewController(prune.Options{
		Every:          cfg.PruneEvery,
		Percentile:     cfg.PrunePercentile,
		MinDegree:      cfg.MinDegree,
		MinActiveEdges: cfg.MinActiveEdges,
	}, e.journal, runID, logger)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Trainer, err = train.New(store, m, pruner, train.Options{
		Weights:          model.LossWeights{Alpha: cfg.Alpha, Beta: cfg.Beta, Lambda: cfg.Lambda},
		LearningRate:     cfg.LearningRate,
		Epochs:           cfg.Epochs,
		BatchSize:        cfg.BatchSize,
		NegativeRatio:    cfg.NegativeRatio,
		MaxPositiveEdges: cfg.MaxPositiveEdges,
		Seed:             cfg.Seed,
		CheckpointEvery:  cfg.CheckpointEvery,
		CheckpointPath:   e.checkpointPath,
		LogEvery:         cfg.LogEvery,
		RunID:            runID,
	}, logger)
	if err != nil {
		e.Close()
		return nil, err
	}
	if ckpt != nil {
		if err := e.Trainer.Restore(ckpt); err != nil {
			e.Close()
			return nil, err
		}
	}

	snap := store.Snapshot()
	metrics.ActiveEdges.Set(float64(snap.NumActive()))
	logger.Info("engine ready",
		"run_id", runID, "rnas", snap.NumNodes(), "edges", snap.NumEdges(), "active", snap.NumActive(),
		"cells", snap.Expression().NumCells(), "hvg", len(hvg), "params", len(m.Params()))
	return e, nil
}

// Run trains to completion and exports the outputs into the output directory.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	sum, err := e.Trainer.Run(ctx)
	if err != nil {
		return nil, err
	}
	paths, err := e.Trainer.Export(e.opts.Config.OutputDir)
	if err != nil {
		return nil, err
	}
	return &Result{Summary: sum, Outputs: paths}, nil
}

// CheckpointPath returns where checkpoints of this run are written.
func (e *Engine) CheckpointPath() string { return e.checkpointPath }

// JournalPath returns the path of the pruning journal.
func (e *Engine) JournalPath() string { return e.journal.Path() }

// Close releases the pruning journal. It is safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.journal != nil {
			err = e.journal.Close()
		}
	})
	return err
}

func readEdges(path string) ([]graph.EdgeRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open edge list: %w", err)
	}
	defer f.Close()
	records, err := graph.ReadEdgeList(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}

func readExpression(path string, orientation expression.Orientation) (*expression.Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open expression matrix: %w", err)
	}
	defer f.Close()
	m, err := expression.Read(f, expression.ReadOptions{Orientation: orientation})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
