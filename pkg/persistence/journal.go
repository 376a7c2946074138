package persistence

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// EdgeRef identifies an edge by its RNA ids, with the score it was judged on.
type EdgeRef struct {
	Source string  `json:"s"`
	Target string  `json:"t"`
	Score  float64 `json:"w"`
}

// PruneRecord is one pruning event of the audit journal.
type PruneRecord struct {
	RunID       string    `json:"run_id"`
	Step        int       `json:"step"`
	Version     uint64    `json:"version"`
	Threshold   float64   `json:"threshold"`
	Deactivated []EdgeRef `json:"deactivated"`
	Retained    []EdgeRef `json:"retained,omitempty"`
	Time        time.Time `json:"time"`
}

// Journal is an append-only file of framed pruning events.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	fw   *FrameWriter
	path string
}

// OpenJournal opens or creates the journal at path for appending.
func OpenJournal(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	buf := bufio.NewWriter(file)
	return &Journal{file: file, buf: buf, fw: NewFrameWriter(buf), path: path}, nil
}

// AppendPrune writes rec and syncs it to disk.
func (j *Journal) AppendPrune(rec PruneRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.fw.WriteFrame(OpCodePrune, payload); err != nil {
		return err
	}
	if err := j.buf.Flush(); err != nil {
		return err
	}
	return j.file.Sync()
}

// Path returns the file path.
func (j *Journal) Path() string { return j.path }

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.buf.Flush(); err != nil {
		_ = j.file.Close()
		return err
	}
	return j.file.Close()
}

// ReadJournal replays every record of the journal at path. A torn final frame,
// left by a crash during append, is ignored with a warning; any other corruption
// is an error.
func ReadJournal(path string) ([]PruneRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []PruneRecord
	for {
		op, payload, err := ReadFrame(r)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if errors.Is(err, ErrIncompleteFrame) {
			slog.Warn("journal ends with a torn frame, ignoring it", "path", path, "records", len(out))
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("journal %s record %d: %w", path, len(out), err)
		}
		if op != OpCodePrune {
			return nil, fmt.Errorf("journal %s record %d: %w %#x", path, len(out), ErrUnexpectedOpCode, op)
		}
		var rec PruneRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("journal %s record %d: %w", path, len(out), err)
		}
		out = append(out, rec)
	}
}
