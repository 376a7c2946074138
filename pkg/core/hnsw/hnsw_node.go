package hnsw

// node is a single point of the graph. Exactly one of vecF32 and vecF16 is set,
// according to the index precision; vectors are immutable once inserted.
type node struct {
	vecF32 []float32
	vecF16 []uint16

	// connections[l] holds the neighbours at layer l; connections[0] is the base layer.
	connections [][]uint32
}
