package hnsw

// BitSet is a growable set of node ids used to mark visited nodes during a search.
type BitSet struct {
	buckets []uint64
}

func NewBitSet(initialCapacity uint32) *BitSet {
	return &BitSet{buckets: make([]uint64, (initialCapacity>>6)+1)}
}

func (bs *BitSet) grow(n uint32) {
	needed := (n >> 6) + 1
	if uint32(len(bs.buckets)) < needed {
		b := make([]uint64, needed)
		copy(b, bs.buckets)
		bs.buckets = b
	}
}

func (bs *BitSet) Add(n uint32) {
	if n>>6 >= uint32(len(bs.buckets)) {
		bs.grow(n)
	}
	bs.buckets[n>>6] |= 1 << (n & 63)
}

func (bs *BitSet) Has(n uint32) bool {
	if n>>6 >= uint32(len(bs.buckets)) {
		return false
	}
	return bs.buckets[n>>6]&(1<<(n&63)) != 0
}

func (bs *BitSet) Clear() {
	clear(bs.buckets)
}

// EnsureCapacity grows the set so ids up to maxVal can be stored without reallocating.
func (bs *BitSet) EnsureCapacity(maxVal uint32) {
	bs.grow(maxVal)
}
