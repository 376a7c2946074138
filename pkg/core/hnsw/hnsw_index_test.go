package hnsw

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/sanonone/cernet/pkg/core/distance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		out[i] = v
	}
	return out
}

func exactNeighbors(vectors [][]float32, q []float32, k int) []uint32 {
	fn, _ := distance.GetFloat32Func(distance.Euclidean)
	type pair struct {
		id uint32
		d  float64
	}
	all := make([]pair, len(vectors))
	for i, v := range vectors {
		d, _ := fn(q, v)
		all[i] = pair{uint32(i), d}
	}
	sort.Slice(all, func(a, b int) bool { return all[a].d < all[b].d })
	ids := make([]uint32, k)
	for i := range ids {
		ids[i] = all[i].id
	}
	return ids
}

func TestIndexRecall(t *testing.T) {
	const n, dim, k = 500, 8, 10
	vectors := generateVectors(n, dim, 42)

	cfg := DefaultConfig()
	cfg.EfSearch = 100
	idx, err := New(cfg)
	require.NoError(t, err)
	for i, v := range vectors {
		id, err := idx.Add(v)
		require.NoError(t, err)
		require.Equal(t, uint32(i), id)
	}
	assert.Equal(t, n, idx.Len())

	hits := 0
	for q := 0; q < 50; q++ {
		want := exactNeighbors(vectors, vectors[q], k)
		got, err := idx.Search(vectors[q], k)
		require.NoError(t, err)
		require.Len(t, got, k)
		for i := 1; i < len(got); i++ {
			assert.LessOrEqual(t, got[i-1].Distance, got[i].Distance)
		}
		set := make(map[uint32]bool, k)
		for _, c := range got {
			set[c.Id] = true
		}
		for _, id := range want {
			if set[id] {
				hits++
			}
		}
	}
	recall := float64(hits) / float64(50*k)
	assert.Greater(t, recall, 0.9, "recall %.3f", recall)
}

func TestIndexFloat16Cosine(t *testing.T) {
	idx, err := New(Config{Metric: distance.Cosine, Precision: distance.Float16})
	require.NoError(t, err)

	for _, v := range [][]float32{{1, 0}, {0, 1}, {1, 1}, {-1, 0}} {
		_, err := idx.Add(v)
		require.NoError(t, err)
	}
	got, err := idx.Search([]float32{2, 0.1}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(0), got[0].Id)
}

func TestIndexRejectsDimensionMismatch(t *testing.T) {
	idx, err := New(DefaultConfig())
	require.NoError(t, err)

	_, err = idx.Add([]float32{1, 2})
	require.NoError(t, err)
	_, err = idx.Add([]float32{1})
	require.ErrorIs(t, err, ErrDimension)
	_, err = idx.Search([]float32{1, 2, 3}, 1)
	require.ErrorIs(t, err, ErrDimension)
}

func TestSearchEmptyIndex(t *testing.T) {
	idx, err := New(DefaultConfig())
	require.NoError(t, err)
	got, err := idx.Search([]float32{1}, 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func BenchmarkSearch(b *testing.B) {
	vectors := generateVectors(5000, 32, 7)
	idx, _ := New(DefaultConfig())
	for _, v := range vectors {
		idx.Add(v)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.Search(vectors[i%len(vectors)], 15)
	}
}
