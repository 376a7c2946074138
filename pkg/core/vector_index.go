// Package core provides the nearest-neighbour machinery used to build the
// cell-similarity graph.
//
// This file defines the VectorIndex interface shared by the exact and approximate
// implementations, together with BruteForceIndex, the exact baseline used for small
// inputs and as the reference in tests.
package core

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sanonone/cernet/pkg/core/distance"
	"github.com/sanonone/cernet/pkg/core/hnsw"
	"github.com/sanonone/cernet/pkg/core/types"
)

// VectorIndex defines the operations that a vector index must support.
type VectorIndex interface {
	// Add inserts a vector and returns its id. Ids are dense and start at zero.
	Add(vector []float32) (uint32, error)
	// Search returns up to k nearest neighbours of query, nearest first.
	Search(query []float32, k int) ([]types.Candidate, error)
	// Len returns the number of stored vectors.
	Len() int

	Metric() distance.DistanceMetric
	Precision() distance.PrecisionType
}

var (
	_ VectorIndex = (*BruteForceIndex)(nil)
	_ VectorIndex = (*hnsw.Index)(nil)
)

// BruteForceIndex stores all vectors and computes the distance to every one of
// them during a search. Results are exact.
type BruteForceIndex struct {
	mu      sync.RWMutex
	vectors [][]float32
	metric  distance.DistanceMetric
	distFn  distance.DistanceFuncF32
}

// NewBruteForceIndex creates an empty exact index for the given metric. Storage is
// always float32.
func NewBruteForceIndex(metric distance.DistanceMetric) (*BruteForceIndex, error) {
	fn, err := distance.GetFloat32Func(metric)
	if err != nil {
		return nil, err
	}
	return &BruteForceIndex{metric: metric, distFn: fn}, nil
}

// Add adds a vector to the index.
func (idx *BruteForceIndex) Add(vector []float32) (uint32, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(idx.vectors) > 0 && len(vector) != len(idx.vectors[0]) {
		return 0, fmt.Errorf("%w: got %d, index has %d", hnsw.ErrDimension, len(vector), len(idx.vectors[0]))
	}
	v := vector
	if idx.metric == distance.Cosine {
		v = append([]float32(nil), vector...)
		distance.Normalize(v)
	}
	idx.vectors = append(idx.vectors, v)
	return uint32(len(idx.vectors) - 1), nil
}

// Search finds the k nearest vectors to query. Ties are broken by id.
func (idx *BruteForceIndex) Search(query []float32, k int) ([]types.Candidate, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if k <= 0 || len(idx.vectors) == 0 {
		return nil, nil
	}
	q := query
	if idx.metric == distance.Cosine {
		q = append([]float32(nil), query...)
		distance.Normalize(q)
	}

	results := make([]types.Candidate, 0, len(idx.vectors))
	for id, vec := range idx.vectors {
		d, err := idx.distFn(q, vec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", hnsw.ErrDimension, err)
		}
		results = append(results, types.Candidate{Id: uint32(id), Distance: d})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].Id < results[j].Id
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Len returns the number of stored vectors.
func (idx *BruteForceIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

// Metric returns the distance metric of the index.
func (idx *BruteForceIndex) Metric() distance.DistanceMetric { return idx.metric }

// Precision returns the storage precision, always float32.
func (idx *BruteForceIndex) Precision() distance.PrecisionType { return distance.Float32 }
