package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/sanonone/cernet/pkg/core/distance"
	"github.com/sanonone/cernet/pkg/core/hnsw"
	"github.com/sanonone/cernet/pkg/core/types"
)

// ErrInvalidK is returned when k is not in [1, n-1].
var ErrInvalidK = errors.New("core: k must be between 1 and the number of points minus one")

// KNNOptions configures BuildKNN.
type KNNOptions struct {
	K         int
	Metric    distance.DistanceMetric
	Precision distance.PrecisionType

	// HNSW parameters, used when the input has at least ExactBelow points.
	M              int
	EfConstruction int
	EfSearch       int
	Seed           int64

	// ExactBelow selects the brute-force index for inputs smaller than this.
	ExactBelow int
	// Workers bounds query parallelism; zero means runtime.NumCPU().
	Workers int
}

// NewIndex returns the index BuildKNN would use for n points.
func NewIndex(n int, opts KNNOptions) (VectorIndex, error) {
	if n < opts.ExactBelow {
		return NewBruteForceIndex(opts.Metric)
	}
	return hnsw.New(hnsw.Config{
		M:              opts.M,
		EfConstruction: opts.EfConstruction,
		EfSearch:       opts.EfSearch,
		Metric:         opts.Metric,
		Precision:      opts.Precision,
		Seed:           opts.Seed,
	})
}

// BuildKNN computes, for every vector, its K nearest other vectors together with
// their similarity. Neighbour lists are ordered nearest first and never contain
// the point itself.
func BuildKNN(ctx context.Context, vectors [][]float32, opts KNNOptions) ([][]types.Neighbor, error) {
	n := len(vectors)
	if opts.K < 1 || opts.K >= n {
		return nil, fmt.Errorf("%w: k=%d n=%d", ErrInvalidK, opts.K, n)
	}
	if opts.Metric == "" {
		opts.Metric = distance.Euclidean
	}

	idx, err := NewIndex(n, opts)
	if err != nil {
		return nil, err
	}
	for _, v := range vectors {
		if _, err := idx.Add(v); err != nil {
			return nil, err
		}
	}
	slog.Debug("knn index built", "points", n, "exact", n < opts.ExactBelow, "metric", opts.Metric)

	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if n < numWorkers {
		numWorkers = n
	}

	out := make([][]types.Neighbor, n)
	errs := make([]error, numWorkers)
	perWorker := (n + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		start := w * perWorker
		end := min(start+perWorker, n)
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(workerID, start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					errs[workerID] = err
					return
				}
				found, err := idx.Search(vectors[i], opts.K+1)
				if err != nil {
					errs[workerID] = err
					return
				}
				out[i] = toNeighbors(found, uint32(i), opts.K, opts.Metric)
			}
		}(w, start, end)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func toNeighbors(found []types.Candidate, self uint32, k int, metric distance.DistanceMetric) []types.Neighbor {
	nb := make([]types.Neighbor, 0, k)
	for _, c := range found {
		if c.Id == self {
			continue
		}
		if len(nb) == k {
			break
		}
		nb = append(nb, types.Neighbor{ID: int(c.Id), Similarity: distance.Similarity(metric, c.Distance)})
	}
	return nb
}
