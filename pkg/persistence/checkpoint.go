package persistence

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CheckpointFile is the file name used inside a checkpoint directory.
const CheckpointFile = "checkpoint.ckpt"

// ParamState is the serialized form of one learnable matrix and its optimizer
// moments.
type ParamState struct {
	Name  string
	Rows  int
	Cols  int
	Value []float64
	M     []float64
	V     []float64
}

// Checkpoint is the full training state after a successful step.
type Checkpoint struct {
	RunID          string
	Step           int
	Epoch          int
	OptimizerSteps int
	Params         []ParamState
	// EdgeWeights and EdgeActive are indexed by edge id.
	EdgeWeights []float64
	EdgeActive  []bool
	// Nodes pins the node order the edge ids refer to.
	Nodes   []string
	Created time.Time
}

// WriteCheckpoint writes ckpt to path atomically: the frame goes to a temporary
// file in the same directory which is synced and then renamed over path.
func WriteCheckpoint(path string, ckpt *Checkpoint) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(ckpt); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	buf := bufio.NewWriter(tmp)
	if err := NewFrameWriter(buf).WriteFrame(OpCodeCheckpoint, payload.Bytes()); err != nil {
		cleanup()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := buf.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// ReadCheckpoint loads and verifies the checkpoint at path.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	op, payload, err := ReadFrame(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	if op != OpCodeCheckpoint {
		return nil, fmt.Errorf("checkpoint %s: %w %#x", path, ErrUnexpectedOpCode, op)
	}
	var ckpt Checkpoint
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return &ckpt, nil
}
