package train

import (
	"fmt"
	"slices"
	"time"

	"github.com/sanonone/cernet/pkg/graph"
	"github.com/sanonone/cernet/pkg/persistence"
)

// Checkpoint captures parameters, optimizer state and edge state.
func (t *Trainer) Checkpoint() *persistence.Checkpoint {
	params := t.model.Params()
	ckpt := &persistence.Checkpoint{
		RunID:          t.runID,
		Step:           t.step,
		Epoch:          t.epoch,
		OptimizerSteps: t.adam.Steps(),
		Params:         make([]persistence.ParamState, len(params)),
		Created:        time.Now().UTC(),
	}
	for i, p := range params {
		r, c := p.Dims()
		ckpt.Params[i] = persistence.ParamState{
			Name:  p.Name,
			Rows:  r,
			Cols:  c,
			Value: slices.Clone(p.Value.RawMatrix().Data),
			M:     slices.Clone(p.M.RawMatrix().Data),
			V:     slices.Clone(p.V.RawMatrix().Data),
		}
	}
	for _, n := range t.store.Nodes() {
		ckpt.Nodes = append(ckpt.Nodes, n.ID)
	}
	for _, e := range t.store.Edges() {
		ckpt.EdgeWeights = append(ckpt.EdgeWeights, e.Weight)
		ckpt.EdgeActive = append(ckpt.EdgeActive, e.Active)
	}
	return ckpt
}

// Restore resumes from ckpt. The checkpoint must come from the same network and
// architecture; the sampler is advanced past the batches already consumed.
func (t *Trainer) Restore(ckpt *persistence.Checkpoint) error {
	nodes := t.store.Nodes()
	if len(nodes) != len(ckpt.Nodes) {
		return &graph.SchemaError{Reason: fmt.Sprintf("checkpoint has %d nodes, network has %d", len(ckpt.Nodes), len(nodes))}
	}
	for i, n := range nodes {
		if n.ID != ckpt.Nodes[i] {
			return &graph.SchemaError{Reason: fmt.Sprintf("checkpoint node %d is %s, network has %s", i, ckpt.Nodes[i], n.ID)}
		}
	}

	params := t.model.Params()
	if len(params) != len(ckpt.Params) {
		return fmt.Errorf("train: checkpoint has %d parameters, model has %d", len(ckpt.Params), len(params))
	}
	for i, p := range params {
		st := ckpt.Params[i]
		r, c := p.Dims()
		if st.Name != p.Name || st.Rows != r || st.Cols != c {
			return fmt.Errorf("train: checkpoint parameter %s %dx%d does not match %s %dx%d", st.Name, st.Rows, st.Cols, p.Name, r, c)
		}
	}
	if err := t.store.RestoreEdgeState(ckpt.EdgeWeights, ckpt.EdgeActive); err != nil {
		return err
	}
	for i, p := range params {
		st := ckpt.Params[i]
		copy(p.Value.RawMatrix().Data, st.Value)
		copy(p.M.RawMatrix().Data, st.M)
		copy(p.V.RawMatrix().Data, st.V)
	}
	t.adam.SetSteps(ckpt.OptimizerSteps)
	t.sampler.Skip(ckpt.Step)
	t.step = ckpt.Step
	t.epoch = ckpt.Epoch
	t.runID = ckpt.RunID

	t.logger.Info("training state restored", "run_id", t.runID, "step", t.step, "epoch", t.epoch)
	return nil
}
