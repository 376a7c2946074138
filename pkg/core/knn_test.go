package core

import (
	"context"
	"math/rand"
	"testing"

	"github.com/sanonone/cernet/pkg/core/distance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBruteForceIndexOrdersByDistance(t *testing.T) {
	idx, err := NewBruteForceIndex(distance.Euclidean)
	require.NoError(t, err)
	for _, v := range [][]float32{{0, 0}, {3, 0}, {1, 0}, {1, 0}} {
		_, err := idx.Add(v)
		require.NoError(t, err)
	}

	got, err := idx.Search([]float32{0.9, 0}, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint32(2), got[0].Id) // tie with 3, lower id first
	assert.Equal(t, uint32(3), got[1].Id)
	assert.Equal(t, uint32(0), got[2].Id)
}

func TestBuildKNNExcludesSelf(t *testing.T) {
	vectors := [][]float32{{0}, {1}, {2}, {10}}
	nb, err := BuildKNN(context.Background(), vectors, KNNOptions{K: 2, Metric: distance.Euclidean, ExactBelow: 100})
	require.NoError(t, err)
	require.Len(t, nb, 4)

	for i, list := range nb {
		require.Len(t, list, 2)
		for _, n := range list {
			assert.NotEqual(t, i, n.ID)
			assert.LessOrEqual(t, n.Similarity, 1.0)
		}
	}
	assert.ElementsMatch(t, []int{0, 2}, []int{nb[1][0].ID, nb[1][1].ID})
	assert.Equal(t, 2, nb[3][0].ID)
	assert.InDelta(t, 1.0/(1.0+64.0), nb[3][0].Similarity, 1e-9)
}

func TestBuildKNNRejectsInvalidK(t *testing.T) {
	vectors := [][]float32{{0}, {1}}
	_, err := BuildKNN(context.Background(), vectors, KNNOptions{K: 2, ExactBelow: 10})
	require.ErrorIs(t, err, ErrInvalidK)
	_, err = BuildKNN(context.Background(), vectors, KNNOptions{K: 0, ExactBelow: 10})
	require.ErrorIs(t, err, ErrInvalidK)
}

// The approximate index must agree with the exact one on well-separated data.
func TestBuildKNNApproximateMatchesExact(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	vectors := make([][]float32, 300)
	for i := range vectors {
		cluster := float32(i % 3 * 100)
		vectors[i] = []float32{cluster + rng.Float32(), cluster + rng.Float32(), rng.Float32()}
	}
	opts := KNNOptions{K: 5, Metric: distance.Euclidean, M: 16, EfConstruction: 100, EfSearch: 64, Seed: 1}

	opts.ExactBelow = 1000
	exact, err := BuildKNN(context.Background(), vectors, opts)
	require.NoError(t, err)
	opts.ExactBelow = 0
	approx, err := BuildKNN(context.Background(), vectors, opts)
	require.NoError(t, err)

	for i := range vectors {
		for _, n := range approx[i] {
			assert.Equal(t, i%3, n.ID%3, "point %d linked across clusters", i)
		}
		assert.Len(t, approx[i], len(exact[i]))
	}
}

func TestBuildKNNHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := BuildKNN(ctx, [][]float32{{0}, {1}, {2}}, KNNOptions{K: 1, ExactBelow: 10})
	require.ErrorIs(t, err, context.Canceled)
}
