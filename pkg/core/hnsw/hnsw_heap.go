package hnsw

import "github.com/sanonone/cernet/pkg/core/types"

// minHeap is a binary min-heap of candidates ordered by distance. The nearest
// candidate is always at the top; it holds the frontier still to be expanded.
type minHeap []types.Candidate

func newMinHeap(capacity int) *minHeap {
	h := make(minHeap, 0, capacity)
	return &h
}

func (h minHeap) Len() int { return len(h) }

// Peek returns the nearest candidate without removing it.
func (h minHeap) Peek() types.Candidate { return h[0] }

func (h *minHeap) Push(c types.Candidate) {
	*h = append(*h, c)
	s := *h
	i := len(s) - 1
	for i > 0 {
		p := (i - 1) / 2
		if s[p].Distance <= s[i].Distance {
			break
		}
		s[p], s[i] = s[i], s[p]
		i = p
	}
}

func (h *minHeap) Pop() types.Candidate {
	s := *h
	top := s[0]
	last := len(s) - 1
	s[0] = s[last]
	s = s[:last]
	i := 0
	for {
		l, r, smallest := 2*i+1, 2*i+2, i
		if l < len(s) && s[l].Distance < s[smallest].Distance {
			smallest = l
		}
		if r < len(s) && s[r].Distance < s[smallest].Distance {
			smallest = r
		}
		if smallest == i {
			break
		}
		s[i], s[smallest] = s[smallest], s[i]
		i = smallest
	}
	*h = s
	return top
}

// maxHeap is a binary max-heap of candidates ordered by distance. The root is the
// worst of the best results kept so far, so it is the one evicted first.
type maxHeap []types.Candidate

func newMaxHeap(capacity int) *maxHeap {
	h := make(maxHeap, 0, capacity)
	return &h
}

func (h maxHeap) Len() int { return len(h) }

// Peek returns the farthest candidate without removing it.
func (h maxHeap) Peek() types.Candidate { return h[0] }

func (h *maxHeap) Push(c types.Candidate) {
	*h = append(*h, c)
	s := *h
	i := len(s) - 1
	for i > 0 {
		p := (i - 1) / 2
		if s[p].Distance >= s[i].Distance {
			break
		}
		s[p], s[i] = s[i], s[p]
		i = p
	}
}

func (h *maxHeap) Pop() types.Candidate {
	s := *h
	top := s[0]
	last := len(s) - 1
	s[0] = s[last]
	s = s[:last]
	i := 0
	for {
		l, r, largest := 2*i+1, 2*i+2, i
		if l < len(s) && s[l].Distance > s[largest].Distance {
			largest = l
		}
		if r < len(s) && s[r].Distance > s[largest].Distance {
			largest = r
		}
		if largest == i {
			break
		}
		s[i], s[largest] = s[largest], s[i]
		i = largest
	}
	*h = s
	return top
}
