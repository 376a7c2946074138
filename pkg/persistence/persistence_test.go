package persistence

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	require.NoError(t, fw.WriteFrame(OpCodePrune, []byte("hello")))
	require.NoError(t, fw.WriteFrame(OpCodeCheckpoint, nil))

	op, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, byte(OpCodePrune), op)
	assert.Equal(t, []byte("hello"), payload)

	op, payload, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, byte(OpCodeCheckpoint), op)
	assert.Empty(t, payload)
}

func TestFrameCorruption(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFrameWriter(&buf).WriteFrame(OpCodePrune, []byte("payload")))
	raw := buf.Bytes()

	flipped := append([]byte(nil), raw...)
	flipped[len(flipped)-1] ^= 0xFF
	_, _, err := ReadFrame(bytes.NewReader(flipped))
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	badMagic := append([]byte(nil), raw...)
	badMagic[0] = 0
	_, _, err = ReadFrame(bytes.NewReader(badMagic))
	assert.ErrorIs(t, err, ErrInvalidMagic)

	_, _, err = ReadFrame(bytes.NewReader(raw[:HeaderSize+2]))
	assert.ErrorIs(t, err, ErrIncompleteFrame)
}

func sampleRecord(step int) PruneRecord {
	return PruneRecord{
		RunID:     uuid.NewString(),
		Step:      step,
		Version:   uint64(step + 1),
		Threshold: 0.475,
		Deactivated: []EdgeRef{
			{Source: "B", Target: "C", Score: 0.05},
			{Source: "A", Target: "D", Score: 0.05},
		},
		Time: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestJournalAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prune.journal")

	j, err := OpenJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.AppendPrune(sampleRecord(10)))
	require.NoError(t, j.AppendPrune(sampleRecord(20)))
	require.NoError(t, j.Close())

	// Reopening appends after the existing records.
	j, err = OpenJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.AppendPrune(sampleRecord(30)))
	require.NoError(t, j.Close())

	recs, err := ReadJournal(path)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []int{10, 20, 30}, []int{recs[0].Step, recs[1].Step, recs[2].Step})
	assert.Equal(t, sampleRecord(10).Deactivated, recs[0].Deactivated)
	assert.True(t, recs[0].Time.Equal(sampleRecord(10).Time))
}

func TestJournalIgnoresTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prune.journal")
	j, err := OpenJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.AppendPrune(sampleRecord(1)))
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{MagicByte, OpCodePrune, 50, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recs, err := ReadJournal(path)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func sampleCheckpoint() *Checkpoint {
	return &Checkpoint{
		RunID:          uuid.NewString(),
		Step:           40,
		Epoch:          2,
		OptimizerSteps: 40,
		Params: []ParamState{{
			Name: "fusion.W", Rows: 2, Cols: 1,
			Value: []float64{0.5, -0.25}, M: []float64{0.01, 0}, V: []float64{1e-4, 0},
		}},
		EdgeWeights: []float64{0.9, 0.05, 0.95},
		EdgeActive:  []bool{true, false, true},
		Nodes:       []string{"A", "B", "C", "D"},
		Created:     time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, CheckpointFile)
	want := sampleCheckpoint()

	require.NoError(t, WriteCheckpoint(path, want))
	// A second write replaces the first one.
	want.Step = 50
	require.NoError(t, WriteCheckpoint(path, want))

	got, err := ReadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, want.RunID, got.RunID)
	assert.Equal(t, 50, got.Step)
	assert.Equal(t, want.Params, got.Params)
	assert.Equal(t, want.EdgeWeights, got.EdgeWeights)
	assert.Equal(t, want.EdgeActive, got.EdgeActive)
	assert.Equal(t, want.Nodes, got.Nodes)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestCheckpointDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), CheckpointFile)
	require.NoError(t, WriteCheckpoint(path, sampleCheckpoint()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = ReadCheckpoint(path)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}
