package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sanonone/cernet/pkg/config"
	"github.com/sanonone/cernet/pkg/graph"
	"github.com/sanonone/cernet/pkg/persistence"
	"github.com/sanonone/cernet/pkg/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEdges = `source_id	target_id	rna_type_source	rna_type_target	confidence_score
A	B	mRNA	mRNA	0.9
B	C	mRNA	lncRNA	0.6
C	D	lncRNA	circRNA	0.8
A	D	mRNA	circRNA	0.7
A	C	mRNA	lncRNA	0.4
C	X	lncRNA	mRNA	0.5
B	A	mRNA	mRNA	0.3
`

const testExpression = `cell	A	B	C	D	X
c1	1.0	0.5	0	2.0	0
c2	0	1.5	1.0	0.2	0
c3	2.0	0	0.7	1.1	0
c4	0.3	0.9	0	0	0
c5	1.2	0	1.4	0.6	0
c6	0.8	0.4	0.1	1.9	0
`

func writeInputs(t *testing.T, edges string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	ep := filepath.Join(dir, "edges.tsv")
	xp := filepath.Join(dir, "expression.tsv")
	require.NoError(t, os.WriteFile(ep, []byte(edges), 0o644))
	require.NoError(t, os.WriteFile(xp, []byte(testExpression), 0o644))
	return ep, xp
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.K = 2
	cfg.EncoderDepth = 2
	cfg.EmbeddingDim = 4
	cfg.BatchSize = 3
	cfg.Epochs = 2
	cfg.PruneEvery = 2
	cfg.PrunePercentile = 25
	cfg.HVGCount = 2
	cfg.PCAComponents = 0
	cfg.Workers = 1
	cfg.LogEvery = 100
	cfg.CellGraph.Metric = "euclidean"
	cfg.CellGraph.ExactBelow = 100
	cfg.OutputDir = filepath.Join(t.TempDir(), "run")
	return cfg
}

func TestOpenRunAndResume(t *testing.T) {
	ep, xp := writeInputs(t, testEdges)
	cfg := testConfig(t)

	e, err := Open(context.Background(), Options{Config: cfg, EdgesPath: ep, ExpressionPath: xp})
	require.NoError(t, err)

	// X is never expressed and is dropped with its edge; A-B collapses.
	assert.Equal(t, 4, e.Store.NumNodes())
	assert.Equal(t, 5, e.Store.NumEdges())
	_, ok := e.Store.NodeIndex("X")
	assert.False(t, ok)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.Equal(t, 4, res.Summary.Steps)
	for _, p := range []string{res.Outputs.Edges, res.Outputs.CellEmbeddings, res.Outputs.RNAEmbeddings, res.Outputs.Reconstruction} {
		assert.FileExists(t, p)
	}
	recs, err := persistence.ReadJournal(filepath.Join(cfg.OutputDir, JournalFile))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, res.Summary.RunID, recs[0].RunID)

	ckpt, err := persistence.ReadCheckpoint(e.CheckpointPath())
	require.NoError(t, err)
	assert.Equal(t, 4, ckpt.Step)

	cfg.Epochs = 3
	resumed, err := Open(context.Background(), Options{Config: cfg, EdgesPath: ep, ExpressionPath: xp, Resume: true})
	require.NoError(t, err)
	defer resumed.Close()
	assert.Equal(t, 4, resumed.Trainer.Steps())
	assert.Equal(t, res.Summary.RunID, resumed.Trainer.RunID())

	res2, err := resumed.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res2.Summary.Steps)

	recs, err = persistence.ReadJournal(resumed.JournalPath())
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestOpenResumeWithoutCheckpoint(t *testing.T) {
	ep, xp := writeInputs(t, testEdges)
	e, err := Open(context.Background(), Options{Config: testConfig(t), EdgesPath: ep, ExpressionPath: xp, Resume: true})
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, 0, e.Trainer.Steps())
}

func TestOpenFailsFast(t *testing.T) {
	t.Run("batch larger than the cell population", func(t *testing.T) {
		ep, xp := writeInputs(t, testEdges)
		cfg := testConfig(t)
		cfg.BatchSize = 10
		_, err := Open(context.Background(), Options{Config: cfg, EdgesPath: ep, ExpressionPath: xp})
		require.ErrorIs(t, err, train.ErrBatchTooSmall)
	})

	t.Run("batch size is checked before the cell graph", func(t *testing.T) {
		ep, xp := writeInputs(t, testEdges)
		cfg := testConfig(t)
		cfg.BatchSize = 10
		cfg.K = 6 // would fail the kNN build
		_, err := Open(context.Background(), Options{Config: cfg, EdgesPath: ep, ExpressionPath: xp})
		require.ErrorIs(t, err, train.ErrBatchTooSmall)
		require.NotErrorIs(t, err, graph.ErrDegenerateGraph)
	})

	t.Run("edge to an unknown RNA", func(t *testing.T) {
		ep, xp := writeInputs(t, testEdges+"A\tZ\tmRNA\tmRNA\t0.5\n")
		_, err := Open(context.Background(), Options{Config: testConfig(t), EdgesPath: ep, ExpressionPath: xp})
		require.ErrorIs(t, err, graph.ErrSchema)
		var se *graph.SchemaError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, []string{"Z"}, se.Missing)
	})

	t.Run("k not smaller than the cell count", func(t *testing.T) {
		ep, xp := writeInputs(t, testEdges)
		cfg := testConfig(t)
		cfg.K = 6
		_, err := Open(context.Background(), Options{Config: cfg, EdgesPath: ep, ExpressionPath: xp})
		require.ErrorIs(t, err, graph.ErrDegenerateGraph)
	})

	t.Run("invalid config", func(t *testing.T) {
		ep, xp := writeInputs(t, testEdges)
		cfg := testConfig(t)
		cfg.EncoderDepth = 0
		_, err := Open(context.Background(), Options{Config: cfg, EdgesPath: ep, ExpressionPath: xp})
		require.ErrorIs(t, err, config.ErrInvalid)
	})
}
