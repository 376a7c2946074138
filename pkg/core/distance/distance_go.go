// Package distance provides the vector distance kernels used to build the
// cell-similarity graph.
//
// It supports the Euclidean and Cosine metrics on float32 and float16 storage.
// At init time the package inspects the CPU and dispatches to the fastest
// implementation available: vek32 SIMD kernels when AVX2/FMA are present,
// Gonum BLAS otherwise, with pure Go reference implementations kept for tests.
package distance

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"github.com/viterin/vek/vek32"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas/gonum"
)

func init() {
	float32Funcs[Cosine] = dotProductAsDistanceGonum
	float32Funcs[Euclidean] = squaredEuclideanGonum
	kernel := "gonum"

	if cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3) {
		float32Funcs[Cosine] = dotProductAsDistanceVek
		float32Funcs[Euclidean] = squaredEuclideanVek
		kernel = "vek32"
	}
	slog.Debug("distance kernels selected", "float32", kernel, "cpu", cpuid.CPU.BrandName)
}

// DistanceMetric defines the type of distance calculation to perform.
type DistanceMetric string

// PrecisionType defines the data type used for vector storage.
type PrecisionType string

const (
	// Euclidean represents the squared Euclidean distance metric.
	Euclidean DistanceMetric = "euclidean"
	// Cosine represents the cosine distance metric (1 - cosine similarity) on
	// unit-normalized vectors.
	Cosine DistanceMetric = "cosine"

	// Float32 represents single-precision storage.
	Float32 PrecisionType = "float32"
	// Float16 represents half-precision storage.
	Float16 PrecisionType = "float16"
)

// Define function types for each precision
type DistanceFuncF32 func(v1, v2 []float32) (float64, error)
type DistanceFuncF16 func(v1, v2 []uint16) (float64, error)

var errLength = errors.New("distance: vectors must have the same length")

// diffWorkspace is a pool of float32 slices reused for the intermediate
// difference vector in Euclidean kernels.
var diffWorkspace = sync.Pool{
	New: func() interface{} {
		s := make([]float32, 64)
		return &s
	},
}

// --- REFERENCE IMPLEMENTATIONS (PURE GO) ---

func squaredEuclideanDistanceGo(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, errLength
	}
	var sum float32
	for i := range v1 {
		diff := v1[i] - v2[i]
		sum += diff * diff
	}
	return float64(sum), nil
}

func dotProductAsDistanceGo(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, errLength
	}
	var sum float32
	for i := range v1 {
		sum += v1[i] * v2[i]
	}
	return 1.0 - float64(sum), nil
}

func squaredEuclideanGoFloat16(v1, v2 []uint16) (float64, error) {
	if len(v1) != len(v2) {
		return 0, errLength
	}
	var sum float32
	for i := range v1 {
		diff := float16.Frombits(v1[i]).Float32() - float16.Frombits(v2[i]).Float32()
		sum += diff * diff
	}
	return float64(sum), nil
}

func dotProductAsDistanceGoFloat16(v1, v2 []uint16) (float64, error) {
	if len(v1) != len(v2) {
		return 0, errLength
	}
	var sum float32
	for i := range v1 {
		sum += float16.Frombits(v1[i]).Float32() * float16.Frombits(v2[i]).Float32()
	}
	return 1.0 - float64(sum), nil
}

// --- Gonum-based Implementations (for float32) ---
var gonumEngine = gonum.Implementation{}

func squaredEuclideanGonum(v1, v2 []float32) (float64, error) {
	n := len(v1)
	if n != len(v2) {
		return 0, errLength
	}
	diffPtr := diffWorkspace.Get().(*[]float32)
	defer diffWorkspace.Put(diffPtr)
	if cap(*diffPtr) < n {
		*diffPtr = make([]float32, n)
	}
	diff := (*diffPtr)[:n]

	copy(diff, v1)
	gonumEngine.Saxpy(n, -1, v2, 1, diff, 1)
	return float64(gonumEngine.Sdot(n, diff, 1, diff, 1)), nil
}

func dotProductAsDistanceGonum(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, errLength
	}
	return 1.0 - float64(gonumEngine.Sdot(len(v1), v1, 1, v2, 1)), nil
}

// --- vek32 SIMD Implementations ---

func squaredEuclideanVek(v1, v2 []float32) (float64, error) {
	n := len(v1)
	if n != len(v2) {
		return 0, errLength
	}
	diffPtr := diffWorkspace.Get().(*[]float32)
	defer diffWorkspace.Put(diffPtr)
	if cap(*diffPtr) < n {
		*diffPtr = make([]float32, n)
	}
	diff := (*diffPtr)[:n]

	vek32.Sub_Into(diff, v1, v2)
	return float64(vek32.Dot(diff, diff)), nil
}

func dotProductAsDistanceVek(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, errLength
	}
	return 1.0 - float64(vek32.Dot(v1, v2)), nil
}

// --- Function Catalogs and Dispatchers ---

var float32Funcs = map[DistanceMetric]DistanceFuncF32{
	Euclidean: squaredEuclideanDistanceGo,
	Cosine:    dotProductAsDistanceGo,
}

var float16Funcs = map[DistanceMetric]DistanceFuncF16{
	Euclidean: squaredEuclideanGoFloat16,
	Cosine:    dotProductAsDistanceGoFloat16,
}

// GetFloat32Func returns the distance function for a metric on float32 storage.
func GetFloat32Func(metric DistanceMetric) (DistanceFuncF32, error) {
	fn, ok := float32Funcs[metric]
	if !ok {
		return nil, fmt.Errorf("metric '%s' not supported for float32 precision", metric)
	}
	return fn, nil
}

// GetFloat16Func returns the distance function for a metric on float16 storage.
func GetFloat16Func(metric DistanceMetric) (DistanceFuncF16, error) {
	fn, ok := float16Funcs[metric]
	if !ok {
		return nil, fmt.Errorf("metric '%s' not supported for float16 precision", metric)
	}
	return fn, nil
}

// Normalize scales v to unit length in place. Zero vectors are left untouched.
func Normalize(v []float32) {
	norm := vek32.Norm(v)
	if norm == 0 {
		return
	}
	vek32.MulNumber_Inplace(v, 1/norm)
}

// ToFloat16 converts a float32 vector into packed float16 bits.
func ToFloat16(v []float32) []uint16 {
	out := make([]uint16, len(v))
	for i, x := range v {
		out[i] = float16.Fromfloat32(x).Bits()
	}
	return out
}

// FromFloat16 unpacks float16 bits into a float32 vector.
func FromFloat16(v []uint16) []float32 {
	out := make([]float32, len(v))
	for i, b := range v {
		out[i] = float16.Frombits(b).Float32()
	}
	return out
}

// Similarity converts a distance returned by a kernel of the given metric into a
// similarity of at most 1: 1-d for cosine, 1/(1+d) for squared Euclidean.
func Similarity(metric DistanceMetric, d float64) float64 {
	if metric == Cosine {
		return 1 - d
	}
	return 1 / (1 + d)
}
