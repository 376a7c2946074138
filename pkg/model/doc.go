// Package model implements the dual-view encoder, the fusion attention layer and
// the two decoders, with hand-written gradients.
//
// Parameters and activations are gonum dense matrices in float64. The first cell
// encoder layer consumes sparse expression rows directly so that its cost scales
// with the number of non-zero entries rather than with the number of RNAs.
//
// A Model is not safe for concurrent use: each pass caches the activations its
// backward step needs. Parallelism happens inside a pass, over rows.
package model
