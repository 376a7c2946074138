package train

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sanonone/cernet/pkg/graph"
	"gonum.org/v1/gonum/mat"
)

// Output file names written by Export.
const (
	EdgesFile          = "edges.tsv"
	CellEmbeddingsFile = "cell_embeddings.tsv"
	RNAEmbeddingsFile  = "rna_embeddings.tsv"
	ReconstructionFile = "reconstruction.tsv"
)

// ExportPaths lists the files written by Export. Reconstruction is empty when
// no highly variable RNAs are configured.
type ExportPaths struct {
	Edges          string
	CellEmbeddings string
	RNAEmbeddings  string
	Reconstruction string
}

// Export runs an inference pass over every cell and writes the edge list with
// learned scores, both embedding tables and the reconstructed expression of the
// highly variable RNAs into dir.
func (t *Trainer) Export(dir string) (*ExportPaths, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	snap := t.store.Snapshot()
	batch := t.sampler.FullBatch()
	emb, err := t.model.Infer(snap, batch)
	if err != nil {
		return nil, fmt.Errorf("export: inference: %w", err)
	}

	paths := &ExportPaths{
		Edges:          filepath.Join(dir, EdgesFile),
		CellEmbeddings: filepath.Join(dir, CellEmbeddingsFile),
		RNAEmbeddings:  filepath.Join(dir, RNAEmbeddingsFile),
	}
	if err := writeEdges(paths.Edges, snap); err != nil {
		return nil, err
	}

	expr := snap.Expression()
	cellIDs := make([]string, len(batch.Cells))
	for i, c := range batch.Cells {
		cellIDs[i] = expr.CellID(c)
	}
	if err := writeMatrix(paths.CellEmbeddings, "cell_id", cellIDs, embeddingHeader(emb.Cells), emb.Cells); err != nil {
		return nil, err
	}
	rnaIDs := make([]string, snap.NumNodes())
	for i := range rnaIDs {
		rnaIDs[i] = snap.Node(i).ID
	}
	if err := writeMatrix(paths.RNAEmbeddings, "rna_id", rnaIDs, embeddingHeader(emb.RNAs), emb.RNAs); err != nil {
		return nil, err
	}

	if hvg := t.model.ExprDecoder.HVG(); len(hvg) > 0 {
		hat, err := t.model.ExprDecoder.Reconstruct(emb.Cells, emb.RNAs)
		if err != nil {
			return nil, fmt.Errorf("export: reconstruction: %w", err)
		}
		cols := make([]string, len(hvg))
		for k, g := range hvg {
			cols[k] = snap.Node(g).ID
		}
		paths.Reconstruction = filepath.Join(dir, ReconstructionFile)
		if err := writeMatrix(paths.Reconstruction, "cell_id", cellIDs, cols, hat); err != nil {
			return nil, err
		}
	}

	t.logger.Info("outputs written", "dir", dir, "edges", snap.NumEdges(), "active", snap.NumActive(), "cells", len(cellIDs))
	return paths, nil
}

func embeddingHeader(m *mat.Dense) []string {
	_, c := m.Dims()
	out := make([]string, c)
	for j := range out {
		out[j] = "e" + strconv.Itoa(j)
	}
	return out
}

// tsvFile opens path for a tab-separated writer. The returned close function
// flushes the writer and reports the first error.
func tsvFile(path string) (*csv.Writer, func() error, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	buf := bufio.NewWriter(f)
	w := csv.NewWriter(buf)
	w.Comma = '\t'
	return w, func() error {
		w.Flush()
		if err := w.Error(); err != nil {
			_ = f.Close()
			return err
		}
		if err := buf.Flush(); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	}, nil
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', 8, 64) }

func writeEdges(path string, snap *graph.Snapshot) error {
	w, done, err := tsvFile(path)
	if err != nil {
		return err
	}
	_ = w.Write([]string{"source_id", "target_id", "rna_type_source", "rna_type_target", "confidence_score", "learned_score", "active"})
	for _, e := range snap.Edges() {
		u, v := snap.Node(e.U), snap.Node(e.V)
		_ = w.Write([]string{
			u.ID, v.ID, u.Type.String(), v.Type.String(),
			formatFloat(e.Confidence), formatFloat(e.Weight), strconv.FormatBool(e.Active),
		})
	}
	if err := done(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func writeMatrix(path, index string, rows, cols []string, m *mat.Dense) error {
	w, done, err := tsvFile(path)
	if err != nil {
		return err
	}
	_ = w.Write(append([]string{index}, cols...))
	record := make([]string, len(cols)+1)
	for i, id := range rows {
		record[0] = id
		for j, v := range m.RawRowView(i) {
			record[j+1] = formatFloat(v)
		}
		_ = w.Write(record)
	}
	if err := done(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
