// Package hnsw provides the implementation of the Hierarchical Navigable Small World
// (HNSW) graph algorithm for approximate nearest neighbor search.
//
// The index is used to build the cell-similarity graph when the number of cells is
// too large for exact search. It supports the Euclidean and Cosine metrics on float32
// or float16 storage. Insertions are serialized; searches are safe to run
// concurrently once the index is built.
package hnsw

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/sanonone/cernet/pkg/core/distance"
	"github.com/sanonone/cernet/pkg/core/types"
)

// ErrDimension is returned when a vector's length differs from the index dimension.
var ErrDimension = errors.New("hnsw: dimension mismatch")

// Config holds the construction and search parameters of an index.
type Config struct {
	// M is the max number of connections per node per layer. Layer 0 allows 2*M.
	M int
	// EfConstruction is the size of the dynamic candidate list during insertion.
	EfConstruction int
	// EfSearch is the size of the dynamic candidate list during queries.
	EfSearch int

	Metric    distance.DistanceMetric
	Precision distance.PrecisionType

	// Seed drives the level generator so that builds are reproducible.
	Seed int64
}

// DefaultConfig returns the parameters used when none are given.
func DefaultConfig() Config {
	return Config{
		M:              16,
		EfConstruction: 200,
		EfSearch:       64,
		Metric:         distance.Euclidean,
		Precision:      distance.Float32,
		Seed:           1,
	}
}

// Index represents the hierarchical graph structure.
type Index struct {
	mu sync.RWMutex

	m              int
	mMax0          int
	efConstruction int
	efSearch       int
	// ml is the normalization factor for the level probability distribution.
	ml float64

	entrypointID uint32
	// maxLevel is -1 while the index is empty.
	maxLevel int
	dim      int

	nodes []*node
	rng   *rand.Rand

	metric      distance.DistanceMetric
	precision   distance.PrecisionType
	distFuncF32 distance.DistanceFuncF32
	distFuncF16 distance.DistanceFuncF16

	visitedPool sync.Pool
	minHeapPool sync.Pool
	maxHeapPool sync.Pool
}

// New creates and initializes a new HNSW index.
func New(cfg Config) (*Index, error) {
	def := DefaultConfig()
	if cfg.M <= 1 {
		cfg.M = def.M
	}
	if cfg.EfConstruction <= 0 {
		cfg.EfConstruction = def.EfConstruction
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = def.EfSearch
	}
	if cfg.Metric == "" {
		cfg.Metric = def.Metric
	}
	if cfg.Precision == "" {
		cfg.Precision = def.Precision
	}

	h := &Index{
		m:              cfg.M,
		mMax0:          cfg.M * 2,
		efConstruction: cfg.EfConstruction,
		efSearch:       cfg.EfSearch,
		ml:             1.0 / math.Log(float64(cfg.M)),
		maxLevel:       -1,
		rng:            rand.New(rand.NewSource(cfg.Seed)),
		metric:         cfg.Metric,
		precision:      cfg.Precision,
	}

	var err error
	switch cfg.Precision {
	case distance.Float32:
		h.distFuncF32, err = distance.GetFloat32Func(cfg.Metric)
	case distance.Float16:
		h.distFuncF16, err = distance.GetFloat16Func(cfg.Metric)
	default:
		err = fmt.Errorf("unsupported precision: %s", cfg.Precision)
	}
	if err != nil {
		return nil, err
	}

	ef := max(cfg.EfConstruction, cfg.EfSearch)
	h.visitedPool = sync.Pool{New: func() any { return NewBitSet(256) }}
	h.minHeapPool = sync.Pool{New: func() any { return newMinHeap(ef) }}
	h.maxHeapPool = sync.Pool{New: func() any { return newMaxHeap(ef) }}
	return h, nil
}

// Len returns the number of inserted vectors.
func (h *Index) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// Metric returns the distance metric of the index.
func (h *Index) Metric() distance.DistanceMetric { return h.metric }

// Precision returns the storage precision of the index.
func (h *Index) Precision() distance.PrecisionType { return h.precision }

// prepare converts a caller vector into the stored representation. Cosine
// vectors are normalized on a copy so the caller's slice is never modified.
func (h *Index) prepare(vector []float32) any {
	v := vector
	if h.metric == distance.Cosine {
		v = append([]float32(nil), vector...)
		distance.Normalize(v)
	}
	if h.precision == distance.Float16 {
		return distance.ToFloat16(v)
	}
	return v
}

func (h *Index) distanceBetweenNodes(n1, n2 *node) float64 {
	var d float64
	if h.precision == distance.Float16 {
		d, _ = h.distFuncF16(n1.vecF16, n2.vecF16)
	} else {
		d, _ = h.distFuncF32(n1.vecF32, n2.vecF32)
	}
	return d
}

// Add inserts a vector and returns its id. Ids are assigned densely from zero in
// insertion order.
func (h *Index) Add(vector []float32) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dim == 0 {
		h.dim = len(vector)
	}
	if len(vector) != h.dim || h.dim == 0 {
		return 0, fmt.Errorf("%w: got %d, index has %d", ErrDimension, len(vector), h.dim)
	}

	stored := h.prepare(vector)
	id := uint32(len(h.nodes))
	n := &node{}
	switch v := stored.(type) {
	case []float32:
		n.vecF32 = v
	case []uint16:
		n.vecF16 = v
	}
	h.nodes = append(h.nodes, n)

	level := h.randomLevel()
	n.connections = make([][]uint32, level+1)

	if h.maxLevel == -1 {
		h.entrypointID = id
		h.maxLevel = level
		return id, nil
	}

	currentEntryPoint := h.entrypointID
	for l := h.maxLevel; l > level; l-- {
		nearest := h.searchLayerUnlocked(stored, currentEntryPoint, 1, l, 1)
		if len(nearest) > 0 {
			currentEntryPoint = nearest[0].Id
		}
	}

	for l := min(level, h.maxLevel); l >= 0; l-- {
		neighbors := h.searchLayerUnlocked(stored, currentEntryPoint, h.efConstruction, l, h.efConstruction)

		maxConns := h.m
		if l == 0 {
			maxConns = h.mMax0
		}
		selected := h.selectNeighbors(neighbors, maxConns)

		n.connections[l] = make([]uint32, len(selected))
		for i, c := range selected {
			n.connections[l][i] = c.Id
		}

		// Bidirectional links; a full neighbour replaces its farthest link when
		// the new node is closer.
		for _, c := range selected {
			neighborNode := h.nodes[c.Id]
			if l >= len(neighborNode.connections) {
				continue
			}
			conns := neighborNode.connections[l]
			if len(conns) < maxConns {
				neighborNode.connections[l] = append(conns, id)
				continue
			}
			maxDist := -1.0
			worst := -1
			for i, nID := range conns {
				if d := h.distanceBetweenNodes(neighborNode, h.nodes[nID]); d > maxDist {
					maxDist = d
					worst = i
				}
			}
			if c.Distance < maxDist && worst != -1 {
				conns[worst] = id
			}
		}
		if len(neighbors) > 0 {
			currentEntryPoint = neighbors[0].Id
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entrypointID = id
	}
	return id, nil
}

// Search returns up to k approximate nearest neighbours of query, nearest first.
func (h *Index) Search(query []float32, k int) ([]types.Candidate, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.maxLevel == -1 || k <= 0 {
		return nil, nil
	}
	if len(query) != h.dim {
		return nil, fmt.Errorf("%w: got %d, index has %d", ErrDimension, len(query), h.dim)
	}
	q := h.prepare(query)

	currentEntryPoint := h.entrypointID
	for l := h.maxLevel; l > 0; l-- {
		nearest := h.searchLayerUnlocked(q, currentEntryPoint, 1, l, 1)
		if len(nearest) == 0 {
			return nil, fmt.Errorf("hnsw: search failed at level %d", l)
		}
		currentEntryPoint = nearest[0].Id
	}
	return h.searchLayerUnlocked(q, currentEntryPoint, k, 0, max(h.efSearch, k)), nil
}

// searchLayerUnlocked performs a greedy best-first search on a single layer.
func (h *Index) searchLayerUnlocked(query any, entrypointID uint32, k int, level int, ef int) []types.Candidate {
	visited := h.visitedPool.Get().(*BitSet)
	candidates := h.minHeapPool.Get().(*minHeap)
	results := h.maxHeapPool.Get().(*maxHeap)
	*candidates = (*candidates)[:0]
	*results = (*results)[:0]
	defer func() {
		visited.Clear()
		h.visitedPool.Put(visited)
		h.minHeapPool.Put(candidates)
		h.maxHeapPool.Put(results)
	}()
	visited.EnsureCapacity(uint32(len(h.nodes)))

	if ef < k {
		ef = k
	}

	// Lift the precision switch out of the hot loop.
	var distFn func(n *node) float64
	switch q := query.(type) {
	case []float32:
		fn := h.distFuncF32
		distFn = func(n *node) float64 {
			d, _ := fn(q, n.vecF32)
			return d
		}
	case []uint16:
		fn := h.distFuncF16
		distFn = func(n *node) float64 {
			d, _ := fn(q, n.vecF16)
			return d
		}
	}

	ep := types.Candidate{Id: entrypointID, Distance: distFn(h.nodes[entrypointID])}
	candidates.Push(ep)
	results.Push(ep)
	visited.Add(entrypointID)

	for candidates.Len() > 0 {
		current := candidates.Pop()
		if results.Len() >= ef && current.Distance > results.Peek().Distance {
			break
		}

		currentNode := h.nodes[current.Id]
		if level >= len(currentNode.connections) {
			continue
		}
		for _, neighborID := range currentNode.connections[level] {
			if visited.Has(neighborID) {
				continue
			}
			visited.Add(neighborID)

			d := distFn(h.nodes[neighborID])
			if results.Len() < ef || d < results.Peek().Distance {
				c := types.Candidate{Id: neighborID, Distance: d}
				candidates.Push(c)
				results.Push(c)
				if results.Len() > ef {
					results.Pop()
				}
			}
		}
	}

	count := results.Len()
	out := make([]types.Candidate, count)
	for i := count - 1; i >= 0; i-- {
		out[i] = results.Pop()
	}
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// randomLevel draws a level from the exponentially decaying HNSW distribution.
// Must be called under Lock.
func (h *Index) randomLevel() int {
	return int(math.Floor(-math.Log(1-h.rng.Float64()) * h.ml))
}

// selectNeighbors implements the neighbour selection heuristic from the HNSW paper,
// topping up with the best discarded candidates when it is too aggressive.
func (h *Index) selectNeighbors(candidates []types.Candidate, m int) []types.Candidate {
	if len(candidates) <= m {
		return candidates
	}

	results := make([]types.Candidate, 0, m)
	discarded := make([]types.Candidate, 0, m)
	for _, e := range candidates {
		if len(results) >= m {
			break
		}
		good := true
		for _, r := range results {
			if h.distanceBetweenNodes(h.nodes[e.Id], h.nodes[r.Id]) < e.Distance {
				good = false
				break
			}
		}
		if good {
			results = append(results, e)
		} else {
			discarded = append(discarded, e)
		}
	}

	for _, c := range discarded {
		if len(results) >= m {
			break
		}
		results = append(results, c)
	}
	return results
}
