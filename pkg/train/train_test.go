package train

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/sanonone/cernet/pkg/core"
	"github.com/sanonone/cernet/pkg/core/distance"
	"github.com/sanonone/cernet/pkg/expression"
	"github.com/sanonone/cernet/pkg/graph"
	"github.com/sanonone/cernet/pkg/model"
	"github.com/sanonone/cernet/pkg/persistence"
	"github.com/sanonone/cernet/pkg/prune"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newStore(t *testing.T) *graph.Store {
	t.Helper()
	expr, err := expression.FromDense(
		[]string{"c1", "c2", "c3", "c4", "c5", "c6"},
		[]string{"A", "B", "C", "D"},
		[][]float64{
			{1.0, 0.5, 0, 2.0},
			{0, 1.5, 1.0, 0.2},
			{2.0, 0, 0.7, 1.1},
			{0.3, 0.9, 0, 0},
			{1.2, 0, 1.4, 0.6},
			{0.8, 0.4, 0.1, 1.9},
		},
	)
	require.NoError(t, err)
	s, err := graph.Load([]graph.EdgeRecord{
		{Source: "A", Target: "B", Confidence: 0.9},
		{Source: "B", Target: "C", Confidence: 0.6, TargetType: graph.LncRNA},
		{Source: "C", Target: "D", Confidence: 0.8, SourceType: graph.LncRNA, TargetType: graph.CircRNA},
		{Source: "A", Target: "D", Confidence: 0.7, TargetType: graph.CircRNA},
		{Source: "A", Target: "C", Confidence: 0.4, TargetType: graph.LncRNA},
	}, expr, graph.ConfidenceFilter{})
	require.NoError(t, err)

	_, err = s.BuildCellGraph(context.Background(), graph.CellGraphOptions{
		K:   2,
		KNN: core.KNNOptions{Metric: distance.Euclidean, ExactBelow: 100, Workers: 1},
	})
	require.NoError(t, err)
	return s
}

func newModel(t *testing.T, s *graph.Store) *model.Model {
	t.Helper()
	nodes := s.Nodes()
	types := make([]graph.RNAType, len(nodes))
	for i, n := range nodes {
		types[i] = n.Type
	}
	m, err := model.New(model.Config{
		NumRNAs: len(nodes), Types: types, HVG: []int{0, 2},
		EmbeddingDim: 4, HiddenDim: 4, Depth: 2, Seed: 3, Workers: 1,
	})
	require.NoError(t, err)
	return m
}

func testOptions() Options {
	return Options{
		Weights:       model.LossWeights{Alpha: 1, Beta: 1, Lambda: 1e-4},
		LearningRate:  0.01,
		Epochs:        3,
		BatchSize:     4,
		NegativeRatio: 1,
		Seed:          5,
		LogEvery:      100,
	}
}

func TestBatchTooSmallFailsBeforeTraining(t *testing.T) {
	s := newStore(t)
	version := s.Version()
	opts := testOptions()
	opts.BatchSize = 7

	_, err := New(s, newModel(t, s), nil, opts, nil)
	require.ErrorIs(t, err, ErrBatchTooSmall)
	var be *BatchTooSmallError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 7, be.Requested)
	assert.Equal(t, 6, be.Available)
	assert.Equal(t, version, s.Version(), "no step may have touched the store")
}

func TestSamplerCoversEveryCellOncePerEpoch(t *testing.T) {
	s := newStore(t)
	sm, err := NewSampler(s.Expression(), s.CellGraph(), []int{0, 2}, 4, 1)
	require.NoError(t, err)
	require.Equal(t, 2, sm.BatchesPerEpoch())

	var seen []int
	for range sm.BatchesPerEpoch() {
		b := sm.Next()
		core := b.Cells[:b.NumCore]
		seen = append(seen, core...)

		assert.Equal(t, len(b.Cells), b.Adj.N())
		assert.Len(t, b.Rows, len(b.Cells))
		r, c := b.Observed.Dims()
		assert.Equal(t, [2]int{b.NumCore, 2}, [2]int{r, c})

		// Halo cells are exactly the outside neighbours of the core.
		var want []int
		for _, cell := range core {
			for _, nb := range s.CellGraph().Neighbors(cell) {
				if !slices.Contains(core, nb.Cell) && !slices.Contains(want, nb.Cell) {
					want = append(want, nb.Cell)
				}
			}
		}
		slices.Sort(want)
		assert.Equal(t, want, b.Cells[b.NumCore:])
	}
	slices.Sort(seen)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, seen)
	assert.Equal(t, 0, sm.Epoch())

	b := sm.Next()
	assert.Equal(t, 1, sm.Epoch())
	assert.Equal(t, 1, b.Epoch)
}

func TestFullBatchCarriesNoTargets(t *testing.T) {
	s := newStore(t)
	sm, err := NewSampler(s.Expression(), s.CellGraph(), []int{0, 2}, 4, 1)
	require.NoError(t, err)

	b := sm.FullBatch()
	assert.Equal(t, 6, b.NumCore)
	assert.Len(t, b.Rows, 6)
	assert.Nil(t, b.Observed)

	// Inference batches leave the training order untouched.
	ref, err := NewSampler(s.Expression(), s.CellGraph(), []int{0, 2}, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, ref.Next().Cells, sm.Next().Cells)
}

func TestSamplerSkipMatchesNext(t *testing.T) {
	s := newStore(t)
	a, err := NewSampler(s.Expression(), s.CellGraph(), nil, 4, 9)
	require.NoError(t, err)
	b, err := NewSampler(s.Expression(), s.CellGraph(), nil, 4, 9)
	require.NoError(t, err)

	for range 3 {
		a.Next()
	}
	b.Skip(3)
	assert.Equal(t, a.Next().Cells, b.Next().Cells)
}

func TestCompositeEqualsNetworkLossWithoutOtherTerms(t *testing.T) {
	s := newStore(t)
	opts := testOptions()
	opts.Weights = model.LossWeights{Alpha: 1}
	tr, err := New(s, newModel(t, s), nil, opts, nil)
	require.NoError(t, err)

	for range 4 {
		res, err := tr.Step(tr.sampler.Next())
		require.NoError(t, err)
		assert.Equal(t, res.Network, res.Composite)
	}
}

func TestStepRefreshesEdgeWeights(t *testing.T) {
	s := newStore(t)
	tr, err := New(s, newModel(t, s), nil, testOptions(), nil)
	require.NoError(t, err)

	before := s.Version()
	res, err := tr.Step(tr.sampler.Next())
	require.NoError(t, err)
	assert.Equal(t, before+1, s.Version())
	assert.Equal(t, 1, tr.Steps())
	for _, e := range s.Edges() {
		assert.Equal(t, res.EdgeScores[e.ID], e.Weight)
		assert.Greater(t, e.Weight, 0.0)
		assert.Less(t, e.Weight, 1.0)
	}
}

func TestRunPrunesAndCheckpoints(t *testing.T) {
	s := newStore(t)
	dir := t.TempDir()
	journal, err := persistence.OpenJournal(filepath.Join(dir, "prune.journal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	pruner, err := prune.NewController(prune.Options{Every: 2, Percentile: 25, MinDegree: 1, MinActiveEdges: 2}, journal, "", nil)
	require.NoError(t, err)
	opts := testOptions()
	opts.CheckpointEvery = 2
	opts.CheckpointPath = filepath.Join(dir, persistence.CheckpointFile)

	tr, err := New(s, newModel(t, s), pruner, opts, nil)
	require.NoError(t, err)
	sum, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, tr.TotalSteps(), sum.Steps)
	assert.Equal(t, 6, sum.Steps)
	assert.Less(t, sum.ActiveEdges, 5)
	assert.Greater(t, sum.ActiveEdges, 0)

	// Every node that had an edge keeps at least one.
	snap := s.Snapshot()
	for n := range snap.NumNodes() {
		assert.GreaterOrEqual(t, snap.ActiveDegree(n), 1, "node %s", snap.Node(n).ID)
	}

	recs, err := persistence.ReadJournal(journal.Path())
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	ckpt, err := persistence.ReadCheckpoint(opts.CheckpointPath)
	require.NoError(t, err)
	assert.Equal(t, 6, ckpt.Step)
	assert.Equal(t, 2, ckpt.Epoch)
	assert.Equal(t, sum.RunID, ckpt.RunID)
}

// The sampler runs one batch ahead of the steps; the trainer must report the
// epoch of the batch it consumed, not the one being prepared.
func TestStepReportsEpochOfConsumedBatch(t *testing.T) {
	s := newStore(t)
	tr, err := New(s, newModel(t, s), nil, testOptions(), nil)
	require.NoError(t, err)
	perEpoch := tr.sampler.BatchesPerEpoch()

	g, ctx := errgroup.WithContext(context.Background())
	for b := range tr.sampler.Stream(ctx, g, tr.TotalSteps()) {
		_, err := tr.Step(b)
		assert.NoError(t, err)
		want := (tr.Steps() - 1) / perEpoch
		assert.Equal(t, want, b.Epoch, "step %d", tr.Steps())
		assert.Equal(t, want, tr.Checkpoint().Epoch, "step %d", tr.Steps())
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 6, tr.Steps())
}

func TestDegreeFloorHoldsAfterEveryPrune(t *testing.T) {
	s := newStore(t)
	pruner, err := prune.NewController(prune.Options{Every: 1, Percentile: 50, MinDegree: 2, MinActiveEdges: 1}, nil, "", nil)
	require.NoError(t, err)
	tr, err := New(s, newModel(t, s), pruner, testOptions(), nil)
	require.NoError(t, err)

	pruned := 0
	for range tr.TotalSteps() {
		before := s.Snapshot()
		_, err := tr.Step(tr.sampler.Next())
		require.NoError(t, err)
		if !pruner.Due(tr.Steps()) {
			continue
		}
		pruned++
		after := s.Snapshot()
		for n := range after.NumNodes() {
			floor := min(2, before.ActiveDegree(n))
			assert.GreaterOrEqual(t, after.ActiveDegree(n), floor, "node %s after step %d", after.Node(n).ID, tr.Steps())
		}
	}
	assert.Equal(t, tr.TotalSteps(), pruned)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newStore(t)
	tr, err := New(s, newModel(t, s), nil, testOptions(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRestoreResumesState(t *testing.T) {
	s := newStore(t)
	opts := testOptions()
	opts.Epochs = 1
	tr, err := New(s, newModel(t, s), nil, opts, nil)
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), persistence.CheckpointFile)
	require.NoError(t, tr.SaveCheckpoint(path))
	ckpt, err := persistence.ReadCheckpoint(path)
	require.NoError(t, err)

	s2 := newStore(t)
	opts.Epochs = 2
	resumed, err := New(s2, newModel(t, s2), nil, opts, nil)
	require.NoError(t, err)
	require.NoError(t, resumed.Restore(ckpt))

	assert.Equal(t, tr.Steps(), resumed.Steps())
	assert.Equal(t, tr.RunID(), resumed.RunID())
	for i, p := range tr.model.Params() {
		assert.Equal(t, p.Value.RawMatrix().Data, resumed.model.Params()[i].Value.RawMatrix().Data, p.Name)
	}
	assert.Equal(t, s.Edges(), s2.Edges())

	sum, err := resumed.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Steps)
}

func TestRestoreRejectsForeignCheckpoint(t *testing.T) {
	s := newStore(t)
	tr, err := New(s, newModel(t, s), nil, testOptions(), nil)
	require.NoError(t, err)

	ckpt := tr.Checkpoint()
	ckpt.Nodes[0] = "Z"
	require.ErrorIs(t, tr.Restore(ckpt), graph.ErrSchema)

	ckpt = tr.Checkpoint()
	ckpt.Params[0].Rows++
	require.Error(t, tr.Restore(ckpt))
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	require.NoError(t, sc.Err())
	return out
}

func TestExportWritesTables(t *testing.T) {
	s := newStore(t)
	opts := testOptions()
	opts.Epochs = 1
	tr, err := New(s, newModel(t, s), nil, opts, nil)
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	require.NoError(t, err)

	paths, err := tr.Export(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)

	edges := readLines(t, paths.Edges)
	require.Len(t, edges, 6)
	assert.Equal(t, "source_id\ttarget_id\trna_type_source\trna_type_target\tconfidence_score\tlearned_score\tactive", edges[0])
	assert.True(t, strings.HasPrefix(edges[1], "A\tB\tmRNA\tmRNA\t0.9\t"))

	cells := readLines(t, paths.CellEmbeddings)
	require.Len(t, cells, 7)
	assert.Equal(t, "cell_id\te0\te1\te2\te3", cells[0])
	assert.True(t, strings.HasPrefix(cells[1], "c1\t"))

	rnas := readLines(t, paths.RNAEmbeddings)
	require.Len(t, rnas, 5)

	recon := readLines(t, paths.Reconstruction)
	require.Len(t, recon, 7)
	assert.Equal(t, "cell_id\tA\tC", recon[0])
}
