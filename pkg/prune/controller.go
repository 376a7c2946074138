// Package prune implements the pruning controller: on a fixed cadence it derives
// a global percentile threshold from the learned edge scores and deactivates the
// edges below it, without letting any node fall under the degree floor.
package prune

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/sanonone/cernet/pkg/graph"
	"github.com/sanonone/cernet/pkg/metrics"
	"github.com/sanonone/cernet/pkg/persistence"
	"github.com/tidwall/btree"
)

// State is the controller's position in its two-state cycle.
type State uint8

const (
	Stable State = iota
	Pruning
)

func (s State) String() string {
	if s == Pruning {
		return "pruning"
	}
	return "stable"
}

// Options configures a Controller.
type Options struct {
	// Every is the pruning cadence in training steps.
	Every int
	// Percentile is the global score percentile, in [0,100], below which edges
	// are deactivated.
	Percentile float64
	// MinDegree is the floor on the active degree of every node that had at least
	// one active edge before pruning.
	MinDegree int
	// MinActiveEdges is the smallest active population a threshold is computed on.
	MinActiveEdges int
}

// Journal receives one record per pruning event.
type Journal interface {
	AppendPrune(rec persistence.PruneRecord) error
}

// Plan is the outcome of a threshold computation on one snapshot.
type Plan struct {
	Step        int
	BaseVersion uint64
	Threshold   float64
	// Deactivate lists the edge ids to mark inactive, ascending.
	Deactivate []int
	// Retained lists below-threshold edges kept to honour the degree floor.
	Retained []int
}

// Controller is the pruning state machine. It is driven by a single training
// loop and is not safe for concurrent use.
type Controller struct {
	opts    Options
	state   State
	journal Journal
	runID   string
	logger  *slog.Logger
}

// NewController validates opts. journal may be nil.
func NewController(opts Options, journal Journal, runID string, logger *slog.Logger) (*Controller, error) {
	if opts.Every < 1 {
		return nil, fmt.Errorf("prune: cadence must be at least 1, got %d", opts.Every)
	}
	if opts.Percentile < 0 || opts.Percentile > 100 || math.IsNaN(opts.Percentile) {
		return nil, fmt.Errorf("prune: percentile %v outside [0,100]", opts.Percentile)
	}
	if opts.MinDegree < 0 {
		return nil, fmt.Errorf("prune: negative degree floor %d", opts.MinDegree)
	}
	if opts.MinActiveEdges < 1 {
		opts.MinActiveEdges = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{opts: opts, journal: journal, runID: runID, logger: logger}, nil
}

// State returns the current state. It is Pruning only while Step is mutating the
// store.
func (c *Controller) State() State { return c.state }

// Due reports whether step triggers a pruning event.
func (c *Controller) Due(step int) bool { return step > 0 && step%c.opts.Every == 0 }

// Step prunes the store when step is due and returns the applied plan, or nil
// when the controller stays Stable.
func (c *Controller) Step(step int, store *graph.Store) (*Plan, error) {
	if !c.Due(step) {
		return nil, nil
	}
	c.state = Pruning
	defer func() { c.state = Stable }()

	snap := store.Snapshot()
	plan, err := c.Plan(step, snap)
	if err != nil {
		return nil, err
	}
	if err := store.ApplyPruning(plan.BaseVersion, plan.Deactivate); err != nil {
		return nil, fmt.Errorf("prune: apply at step %d: %w", step, err)
	}

	metrics.PruneThreshold.Set(plan.Threshold)
	metrics.PrunedEdges.WithLabelValues("deactivated").Add(float64(len(plan.Deactivate)))
	metrics.PrunedEdges.WithLabelValues("retained").Add(float64(len(plan.Retained)))
	metrics.ActiveEdges.Set(float64(snap.NumActive() - len(plan.Deactivate)))
	c.logger.Info("pruning applied",
		"step", step, "threshold", plan.Threshold, "deactivated", len(plan.Deactivate),
		"retained_for_floor", len(plan.Retained), "active", snap.NumActive()-len(plan.Deactivate))

	if c.journal != nil {
		if err := c.journal.AppendPrune(c.record(plan, snap)); err != nil {
			return nil, fmt.Errorf("prune: journal step %d: %w", step, err)
		}
	}
	return plan, nil
}

func (c *Controller) record(plan *Plan, snap *graph.Snapshot) persistence.PruneRecord {
	refs := func(ids []int) []persistence.EdgeRef {
		out := make([]persistence.EdgeRef, len(ids))
		for i, id := range ids {
			e := snap.Edge(id)
			out[i] = persistence.EdgeRef{
				Source: snap.Node(e.U).ID,
				Target: snap.Node(e.V).ID,
				Score:  e.Weight,
			}
		}
		return out
	}
	return persistence.PruneRecord{
		RunID:       c.runID,
		Step:        plan.Step,
		Version:     plan.BaseVersion,
		Threshold:   plan.Threshold,
		Deactivated: refs(plan.Deactivate),
		Retained:    refs(plan.Retained),
		Time:        time.Now().UTC(),
	}
}

// scoredEdge orders edges by score, then id.
type scoredEdge struct {
	Score  float64
	EdgeID int
}

func scoredEdgeLess(a, b scoredEdge) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.EdgeID < b.EdgeID
}

// Plan computes the pruning decision for snap without mutating anything. The
// result depends only on the snapshot, so planning twice yields the same plan.
func (c *Controller) Plan(step int, snap *graph.Snapshot) (*Plan, error) {
	tree := btree.NewBTreeG[scoredEdge](scoredEdgeLess)
	for e := range snap.ActiveEdges() {
		if math.IsNaN(e.Weight) || math.IsInf(e.Weight, 0) {
			return nil, &ThresholdComputationError{Step: step, EdgeID: e.ID}
		}
		tree.Set(scoredEdge{Score: e.Weight, EdgeID: e.ID})
	}
	if tree.Len() < c.opts.MinActiveEdges {
		return nil, &ThresholdComputationError{Step: step, Active: tree.Len(), Required: c.opts.MinActiveEdges, EdgeID: -1}
	}

	sorted := make([]float64, 0, tree.Len())
	tree.Scan(func(it scoredEdge) bool {
		sorted = append(sorted, it.Score)
		return true
	})
	threshold := graph.Percentile(sorted, c.opts.Percentile)

	var below []scoredEdge
	tree.Ascend(scoredEdge{Score: math.Inf(-1), EdgeID: math.MinInt}, func(it scoredEdge) bool {
		if it.Score >= threshold {
			return false
		}
		below = append(below, it)
		return true
	})

	n := snap.NumNodes()
	before := make([]int, n)
	after := make([]int, n)
	for e := range snap.ActiveEdges() {
		before[e.U]++
		before[e.V]++
	}
	copy(after, before)
	isBelow := make(map[int]bool, len(below))
	for _, it := range below {
		e := snap.Edge(it.EdgeID)
		after[e.U]--
		after[e.V]--
		isBelow[it.EdgeID] = true
	}

	retained := make(map[int]bool)
	for node := 0; node < n; node++ {
		// The store drops edgeless nodes at load, so before is zero only for
		// nodes whose edges an earlier event was allowed to take with MinDegree 0.
		if before[node] == 0 || after[node] >= c.opts.MinDegree {
			continue
		}
		var cands []scoredEdge
		for _, id := range snap.Incident(node) {
			if isBelow[id] && !retained[id] {
				cands = append(cands, scoredEdge{Score: snap.Edge(id).Weight, EdgeID: id})
			}
		}
		slices.SortFunc(cands, func(a, b scoredEdge) int {
			if d := cmp.Compare(b.Score, a.Score); d != 0 {
				return d
			}
			return cmp.Compare(a.EdgeID, b.EdgeID)
		})
		for _, it := range cands {
			if after[node] >= c.opts.MinDegree {
				break
			}
			e := snap.Edge(it.EdgeID)
			retained[it.EdgeID] = true
			after[e.U]++
			after[e.V]++
		}
	}

	plan := &Plan{Step: step, BaseVersion: snap.Version(), Threshold: threshold}
	for _, it := range below {
		if retained[it.EdgeID] {
			plan.Retained = append(plan.Retained, it.EdgeID)
		} else {
			plan.Deactivate = append(plan.Deactivate, it.EdgeID)
		}
	}
	slices.Sort(plan.Deactivate)
	slices.Sort(plan.Retained)
	return plan, nil
}
