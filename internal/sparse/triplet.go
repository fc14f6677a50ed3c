package sparse

import (
	"fmt"
	"sort"
	"sync"
)

// Triplet is one (row, column, value) entry.
type Triplet struct {
	Row int
	Col int
	Val float64
}

// FromTriplets assembles a CSC matrix from unordered triplets.
// Entries are ordered by (column, row) so the result does not depend on input order;
// duplicated coordinates are summed.
func FromTriplets(rows, cols int, triplets []Triplet) (*CSC, error) {
	for _, t := range triplets {
		if t.Row < 0 || t.Row >= rows || t.Col < 0 || t.Col >= cols {
			return nil, fmt.Errorf("%w: triplet (%d,%d) outside %dx%d", ErrIndex, t.Row, t.Col, rows, cols)
		}
	}

	sorted := make([]Triplet, len(triplets))
	copy(sorted, triplets)
	sort.SliceStable(sorted, func(a, b int) bool {
		if sorted[a].Col != sorted[b].Col {
			return sorted[a].Col < sorted[b].Col
		}
		return sorted[a].Row < sorted[b].Row
	})

	colPtr := make([]int, cols+1)
	rowIdx := make([]int, 0, len(sorted))
	val := make([]float64, 0, len(sorted))
	for k, t := range sorted {
		if k > 0 && sorted[k-1].Col == t.Col && sorted[k-1].Row == t.Row {
			val[len(val)-1] += t.Val
			continue
		}
		rowIdx = append(rowIdx, t.Row)
		val = append(val, t.Val)
		colPtr[t.Col+1]++
	}
	for j := 0; j < cols; j++ {
		colPtr[j+1] += colPtr[j]
	}

	return NewCSC(rows, cols, colPtr, rowIdx, val)
}

// TripletCollector is an append-only triplet list safe for concurrent producers.
type TripletCollector struct {
	mu    sync.Mutex
	items []Triplet
}

// Add appends one triplet.
func (c *TripletCollector) Add(t Triplet) {
	c.mu.Lock()
	c.items = append(c.items, t)
	c.mu.Unlock()
}

// Len returns the number of collected triplets.
func (c *TripletCollector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Build assembles the collected triplets into a rows × cols CSC matrix.
func (c *TripletCollector) Build(rows, cols int) (*CSC, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return FromTriplets(rows, cols, c.items)
}
