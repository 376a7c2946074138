package hnsw

import (
	"testing"

	"github.com/sanonone/cernet/pkg/core/types"
	"github.com/stretchr/testify/assert"
)

func TestMinHeapCorrectness(t *testing.T) {
	h := newMinHeap(4)
	for _, c := range []types.Candidate{
		{Id: 1, Distance: 5.0},
		{Id: 2, Distance: 2.0},
		{Id: 3, Distance: 8.0},
		{Id: 4, Distance: 2.0},
	} {
		h.Push(c)
	}

	assert.Equal(t, 2.0, h.Peek().Distance)
	var got []float64
	for h.Len() > 0 {
		got = append(got, h.Pop().Distance)
	}
	assert.Equal(t, []float64{2, 2, 5, 8}, got)
}

func TestMaxHeapCorrectness(t *testing.T) {
	h := newMaxHeap(4)
	for _, c := range []types.Candidate{
		{Id: 1, Distance: 5.0},
		{Id: 2, Distance: 8.0},
		{Id: 3, Distance: 2.0},
		{Id: 4, Distance: 8.0},
	} {
		h.Push(c)
	}

	assert.Equal(t, 8.0, h.Peek().Distance)
	var got []float64
	for h.Len() > 0 {
		got = append(got, h.Pop().Distance)
	}
	assert.Equal(t, []float64{8, 8, 5, 2}, got)
}
