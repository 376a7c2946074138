// Package types holds the small value types shared by the index implementations.
package types

// Candidate is a search result: an internal vector id and its distance to the query.
type Candidate struct {
	Id       uint32
	Distance float64
}

// Neighbor is an edge of a kNN graph: the neighbour id and its similarity.
type Neighbor struct {
	ID         int
	Similarity float64
}
