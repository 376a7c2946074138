package expression

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMatrix(t *testing.T) *Matrix {
	t.Helper()
	m, err := FromDense(
		[]string{"c1", "c2", "c3"},
		[]string{"A", "B", "X"},
		[][]float64{
			{1, 0, 0},
			{3, 2, 0},
			{5, 2, 0},
		},
	)
	require.NoError(t, err)
	return m
}

func TestFromDenseStoresSparseRows(t *testing.T) {
	m := sampleMatrix(t)

	assert.Equal(t, 3, m.NumCells())
	assert.Equal(t, 3, m.NumRNAs())
	assert.Equal(t, 5, m.NonZeros())

	r := m.Row(1)
	assert.Equal(t, []int32{0, 1}, r.Cols)
	assert.Equal(t, []float32{3, 2}, r.Vals)

	j, ok := m.Column("X")
	require.True(t, ok)
	assert.Equal(t, 2, j)
}

func TestNewRejectsInvalidValues(t *testing.T) {
	_, err := FromDense([]string{"c1"}, []string{"A"}, [][]float64{{-1}})
	require.ErrorIs(t, err, ErrInvalidValue)

	_, err = FromDense([]string{"c1"}, []string{"A"}, [][]float64{{1e39}})
	require.ErrorIs(t, err, ErrInvalidValue, "overflows float32")

	_, err = New([]string{"c1"}, []string{"A"}, []Entry{{Value: 3e38}, {Value: 3e38}})
	require.ErrorIs(t, err, ErrInvalidValue, "repeated entries overflow float32")

	_, err = FromDense([]string{"c1", "c1"}, []string{"A"}, [][]float64{{1}, {1}})
	require.ErrorIs(t, err, ErrDuplicateLabel)

	_, err = FromDense([]string{"c1"}, []string{"A", "B"}, [][]float64{{1}})
	require.ErrorIs(t, err, ErrShape)
}

func TestColumnStatistics(t *testing.T) {
	m := sampleMatrix(t)

	sums := m.ColumnSums()
	assert.Equal(t, []float64{9, 4, 0}, sums)

	mean, variance := m.ColumnVariance()
	assert.InDelta(t, 3.0, mean[0], 1e-12)
	assert.InDelta(t, 4.0, variance[0], 1e-12) // (4+0+4)/2
	assert.InDelta(t, 0.0, variance[2], 1e-12)
}

func TestHighlyVariableSkipsConstantColumns(t *testing.T) {
	m := sampleMatrix(t)

	assert.Equal(t, []int{0}, m.HighlyVariable(1))
	assert.Equal(t, []int{0, 1}, m.HighlyVariable(10))
}

func TestSelectColumnsReindexes(t *testing.T) {
	m := sampleMatrix(t)

	sub, err := m.SelectColumns([]int{1, 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, sub.RNAIDs())

	r := sub.Row(1)
	assert.Equal(t, []int32{0, 1}, r.Cols)
	assert.Equal(t, []float32{2, 3}, r.Vals)

	d := sub.Dense([]int{2}, []int{0, 1})
	assert.Equal(t, []float64{2, 5}, d.RawRowView(0))
}

func TestReadOrientations(t *testing.T) {
	cellsByRNA := "cell\tA\tB\nc1\t1\t0\nc2\t0.5\t2\n"
	m, err := Read(strings.NewReader(cellsByRNA), ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, m.CellIDs())
	assert.Equal(t, []string{"A", "B"}, m.RNAIDs())
	assert.Equal(t, 3, m.NonZeros())

	rnasByCell := "gene,c1,c2\nA,1,0.5\nB,0,2\n"
	m2, err := Read(strings.NewReader(rnasByCell), ReadOptions{Orientation: RNAsByCell})
	require.NoError(t, err)
	assert.Equal(t, m.CellIDs(), m2.CellIDs())
	assert.Equal(t, m.RNAIDs(), m2.RNAIDs())
	assert.Equal(t, m.Row(1), m2.Row(1))
}

func TestReadRejectsGarbage(t *testing.T) {
	_, err := Read(strings.NewReader("cell\tA\nc1\tabc\n"), ReadOptions{})
	require.ErrorIs(t, err, ErrParse)

	_, err = Read(strings.NewReader(""), ReadOptions{})
	require.ErrorIs(t, err, ErrParse)

	_, err = Read(strings.NewReader("cell\tA\nc1\t-2\n"), ReadOptions{})
	require.ErrorIs(t, err, ErrInvalidValue)

	_, err = Read(strings.NewReader("cell\tA\tB\nc1\t1\t2\nc2\t0\t1e39\n"), ReadOptions{})
	require.ErrorIs(t, err, ErrInvalidValue)
	assert.Contains(t, err.Error(), `line 3 column "B"`)
}
