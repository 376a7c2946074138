// Package expression holds the normalized single-cell expression matrix consumed by the
// training engine.
//
// The matrix is stored row-sparse (one sorted row per cell), since scRNA-seq data is
// overwhelmingly zero. Values are float32 and must be finite and non-negative; the engine
// assumes normalization (log/CPM or equivalent) was already applied upstream and performs
// no further scaling.
package expression

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidValue is returned when a matrix entry is negative, NaN or beyond
	// the float32 range.
	ErrInvalidValue = errors.New("expression: invalid value")
	// ErrShape is returned when row/column labels do not match the data.
	ErrShape = errors.New("expression: shape mismatch")
	// ErrDuplicateLabel is returned when a cell or RNA identifier appears twice.
	ErrDuplicateLabel = errors.New("expression: duplicate label")
)

// Row is the sparse expression profile of one cell. Cols is sorted ascending.
type Row struct {
	Cols []int32
	Vals []float32
}

// Len returns the number of non-zero entries.
func (r Row) Len() int { return len(r.Cols) }

// Matrix is an immutable cells × RNAs expression matrix.
type Matrix struct {
	cellIDs  []string
	rnaIDs   []string
	rows     []Row
	rnaIndex map[string]int
}

// Entry is a single non-zero value used to assemble a matrix.
type Entry struct {
	Cell  int
	RNA   int
	Value float64
}

// New builds a matrix from labels and a list of entries. Zero entries are dropped,
// repeated (cell, rna) pairs are summed.
func New(cellIDs, rnaIDs []string, entries []Entry) (*Matrix, error) {
	m := &Matrix{
		cellIDs:  append([]string(nil), cellIDs...),
		rnaIDs:   append([]string(nil), rnaIDs...),
		rows:     make([]Row, len(cellIDs)),
		rnaIndex: make(map[string]int, len(rnaIDs)),
	}
	seenCells := make(map[string]struct{}, len(cellIDs))
	for _, id := range cellIDs {
		if _, dup := seenCells[id]; dup {
			return nil, fmt.Errorf("%w: cell %q", ErrDuplicateLabel, id)
		}
		seenCells[id] = struct{}{}
	}
	for j, id := range rnaIDs {
		if _, dup := m.rnaIndex[id]; dup {
			return nil, fmt.Errorf("%w: rna %q", ErrDuplicateLabel, id)
		}
		m.rnaIndex[id] = j
	}

	perCell := make([]map[int32]float64, len(cellIDs))
	for _, e := range entries {
		if e.Cell < 0 || e.Cell >= len(cellIDs) || e.RNA < 0 || e.RNA >= len(rnaIDs) {
			return nil, fmt.Errorf("%w: entry (%d,%d) outside %dx%d", ErrShape, e.Cell, e.RNA, len(cellIDs), len(rnaIDs))
		}
		if !validValue(e.Value) {
			return nil, fmt.Errorf("%w: cell %q rna %q value %v", ErrInvalidValue, cellIDs[e.Cell], rnaIDs[e.RNA], e.Value)
		}
		if e.Value == 0 {
			continue
		}
		if perCell[e.Cell] == nil {
			perCell[e.Cell] = make(map[int32]float64)
		}
		sum := perCell[e.Cell][int32(e.RNA)] + e.Value
		if !validValue(sum) {
			return nil, fmt.Errorf("%w: cell %q rna %q repeated entries sum to %v", ErrInvalidValue, cellIDs[e.Cell], rnaIDs[e.RNA], sum)
		}
		perCell[e.Cell][int32(e.RNA)] = sum
	}

	for i, cols := range perCell {
		m.rows[i] = packRow(cols)
	}
	return m, nil
}

// validValue reports whether v can be stored: finite, non-negative and
// representable as a float32.
func validValue(v float64) bool {
	return v >= 0 && v <= math.MaxFloat32
}

// FromDense builds a matrix from a dense cells × RNAs slice. Mostly used by tests and
// small inputs.
func FromDense(cellIDs, rnaIDs []string, dense [][]float64) (*Matrix, error) {
	if len(dense) != len(cellIDs) {
		return nil, fmt.Errorf("%w: %d rows for %d cells", ErrShape, len(dense), len(cellIDs))
	}
	entries := make([]Entry, 0)
	for i, row := range dense {
		if len(row) != len(rnaIDs) {
			return nil, fmt.Errorf("%w: row %d has %d values for %d rnas", ErrShape, i, len(row), len(rnaIDs))
		}
		for j, v := range row {
			if v != 0 || math.IsNaN(v) {
				entries = append(entries, Entry{Cell: i, RNA: j, Value: v})
			}
		}
	}
	return New(cellIDs, rnaIDs, entries)
}

func packRow(cols map[int32]float64) Row {
	if len(cols) == 0 {
		return Row{}
	}
	r := Row{Cols: make([]int32, 0, len(cols)), Vals: make([]float32, 0, len(cols))}
	for c := range cols {
		r.Cols = append(r.Cols, c)
	}
	sort.Slice(r.Cols, func(a, b int) bool { return r.Cols[a] < r.Cols[b] })
	for _, c := range r.Cols {
		r.Vals = append(r.Vals, float32(cols[c]))
	}
	return r
}

// NumCells returns the number of rows.
func (m *Matrix) NumCells() int { return len(m.cellIDs) }

// NumRNAs returns the number of columns.
func (m *Matrix) NumRNAs() int { return len(m.rnaIDs) }

// CellID returns the label of row i.
func (m *Matrix) CellID(i int) string { return m.cellIDs[i] }

// RNAID returns the label of column j.
func (m *Matrix) RNAID(j int) string { return m.rnaIDs[j] }

// CellIDs returns a copy of the row labels.
func (m *Matrix) CellIDs() []string { return append([]string(nil), m.cellIDs...) }

// RNAIDs returns a copy of the column labels.
func (m *Matrix) RNAIDs() []string { return append([]string(nil), m.rnaIDs...) }

// Column resolves an RNA identifier to its column index.
func (m *Matrix) Column(id string) (int, bool) {
	j, ok := m.rnaIndex[id]
	return j, ok
}

// Row returns the sparse row of cell i. The returned slices must not be modified.
func (m *Matrix) Row(i int) Row { return m.rows[i] }

// NonZeros returns the total number of stored entries.
func (m *Matrix) NonZeros() int {
	n := 0
	for _, r := range m.rows {
		n += r.Len()
	}
	return n
}

// ColumnSums returns the total expression of every RNA across all cells.
func (m *Matrix) ColumnSums() []float64 {
	sums := make([]float64, len(m.rnaIDs))
	for _, r := range m.rows {
		for k, c := range r.Cols {
			sums[c] += float64(r.Vals[k])
		}
	}
	return sums
}

// ColumnVariance returns the per-RNA mean and unbiased variance across cells,
// computed from the sparse entries only.
func (m *Matrix) ColumnVariance() (mean, variance []float64) {
	n := float64(len(m.rows))
	sum := make([]float64, len(m.rnaIDs))
	sumSq := make([]float64, len(m.rnaIDs))
	for _, r := range m.rows {
		for k, c := range r.Cols {
			v := float64(r.Vals[k])
			sum[c] += v
			sumSq[c] += v * v
		}
	}
	mean = make([]float64, len(sum))
	variance = make([]float64, len(sum))
	if n == 0 {
		return mean, variance
	}
	for j := range sum {
		mu := sum[j] / n
		mean[j] = mu
		if n > 1 {
			v := (sumSq[j] - n*mu*mu) / (n - 1)
			if v < 0 {
				v = 0 // rounding
			}
			variance[j] = v
		}
	}
	return mean, variance
}

// HighlyVariable returns the indices of the n columns with the largest variance,
// sorted by column index. Columns with zero variance are never selected, so fewer
// than n indices may be returned.
func (m *Matrix) HighlyVariable(n int) []int {
	_, variance := m.ColumnVariance()
	inds := make([]int, len(variance))
	sorted := append([]float64(nil), variance...)
	floats.Argsort(sorted, inds) // ascending

	picked := make([]int, 0, n)
	for k := len(inds) - 1; k >= 0 && len(picked) < n; k-- {
		if sorted[k] <= 0 {
			break
		}
		picked = append(picked, inds[k])
	}
	sort.Ints(picked)
	return picked
}

// SelectColumns returns a new matrix restricted to the given columns, in the given order.
func (m *Matrix) SelectColumns(cols []int) (*Matrix, error) {
	remap := make(map[int32]int32, len(cols))
	ids := make([]string, len(cols))
	for newIdx, old := range cols {
		if old < 0 || old >= len(m.rnaIDs) {
			return nil, fmt.Errorf("%w: column %d outside %d", ErrShape, old, len(m.rnaIDs))
		}
		remap[int32(old)] = int32(newIdx)
		ids[newIdx] = m.rnaIDs[old]
	}

	out := &Matrix{
		cellIDs:  m.cellIDs,
		rnaIDs:   ids,
		rows:     make([]Row, len(m.rows)),
		rnaIndex: make(map[string]int, len(ids)),
	}
	for j, id := range ids {
		if _, dup := out.rnaIndex[id]; dup {
			return nil, fmt.Errorf("%w: rna %q selected twice", ErrDuplicateLabel, id)
		}
		out.rnaIndex[id] = j
	}
	for i, r := range m.rows {
		cols := make(map[int32]float64)
		for k, c := range r.Cols {
			if nc, ok := remap[c]; ok {
				cols[nc] = float64(r.Vals[k])
			}
		}
		out.rows[i] = packRow(cols)
	}
	return out, nil
}

// Dense materializes the given rows restricted to the given columns as a
// len(rows) × len(cols) matrix. It returns nil when either selection is empty.
func (m *Matrix) Dense(rows []int, cols []int) *mat.Dense {
	if len(rows) == 0 || len(cols) == 0 {
		return nil
	}
	out := mat.NewDense(len(rows), len(cols), nil)
	pos := make(map[int32]int, len(cols))
	for k, c := range cols {
		pos[int32(c)] = k
	}
	for i, cell := range rows {
		r := m.rows[cell]
		dst := out.RawRowView(i)
		for k, c := range r.Cols {
			if p, ok := pos[c]; ok {
				dst[p] = float64(r.Vals[k])
			}
		}
	}
	return out
}
