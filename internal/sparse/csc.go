// Package sparse provides a compressed sparse column (CSC) matrix used for
// genes × cells count data and for assembling sparse score matrices.
package sparse

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrShape is returned when matrix storage arrays are inconsistent with the declared dimensions.
	ErrShape = errors.New("sparse: inconsistent matrix shape")
	// ErrIndex is returned when a row or column index is out of range.
	ErrIndex = errors.New("sparse: index out of range")
)

// CSC is an immutable compressed sparse column matrix.
//
// The nonzero entries of column j are RowIdx[ColPtr[j]:ColPtr[j+1]] with values
// Val[ColPtr[j]:ColPtr[j+1]]; row indices are strictly increasing within a column.
// A CSC is safe for concurrent reads.
type CSC struct {
	rows, cols int

	ColPtr []int
	RowIdx []int
	Val    []float64

	// Optional labels; nil or of length rows/cols.
	RowNames []string
	ColNames []string
}

// NewCSC validates the storage arrays and wraps them without copying.
func NewCSC(rows, cols int, colPtr, rowIdx []int, val []float64) (*CSC, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("%w: negative dimensions %dx%d", ErrShape, rows, cols)
	}
	if len(colPtr) != cols+1 {
		return nil, fmt.Errorf("%w: len(colPtr)=%d, want %d", ErrShape, len(colPtr), cols+1)
	}
	if len(rowIdx) != len(val) {
		return nil, fmt.Errorf("%w: len(rowIdx)=%d != len(val)=%d", ErrShape, len(rowIdx), len(val))
	}
	if colPtr[0] != 0 || colPtr[cols] != len(val) {
		return nil, fmt.Errorf("%w: colPtr must span [0,%d]", ErrShape, len(val))
	}
	for j := 0; j < cols; j++ {
		start, end := colPtr[j], colPtr[j+1]
		if end < start {
			return nil, fmt.Errorf("%w: colPtr decreases at column %d", ErrShape, j)
		}
		prev := -1
		for p := start; p < end; p++ {
			r := rowIdx[p]
			if r < 0 || r >= rows {
				return nil, fmt.Errorf("%w: row %d in column %d (rows=%d)", ErrIndex, r, j, rows)
			}
			if r <= prev {
				return nil, fmt.Errorf("%w: rows not strictly increasing in column %d", ErrShape, j)
			}
			prev = r
		}
	}
	return &CSC{rows: rows, cols: cols, ColPtr: colPtr, RowIdx: rowIdx, Val: val}, nil
}

// Dims returns the number of rows and columns.
func (m *CSC) Dims() (r, c int) { return m.rows, m.cols }

// NNZ returns the number of stored entries.
func (m *CSC) NNZ() int { return len(m.Val) }

// SetLabels attaches row and column labels. A nil slice clears the labels.
func (m *CSC) SetLabels(rowNames, colNames []string) error {
	if rowNames != nil && len(rowNames) != m.rows {
		return fmt.Errorf("%w: %d row names for %d rows", ErrShape, len(rowNames), m.rows)
	}
	if colNames != nil && len(colNames) != m.cols {
		return fmt.Errorf("%w: %d column names for %d columns", ErrShape, len(colNames), m.cols)
	}
	m.RowNames = rowNames
	m.ColNames = colNames
	return nil
}

// ColIter iterates the stored entries of one column in increasing row order.
type ColIter struct {
	m   *CSC
	pos int
	end int
}

// Col returns an iterator over the nonzero entries of column j.
// It panics if j is out of range.
func (m *CSC) Col(j int) ColIter {
	if j < 0 || j >= m.cols {
		panic(fmt.Sprintf("sparse: column %d out of range [0,%d)", j, m.cols))
	}
	return ColIter{m: m, pos: m.ColPtr[j] - 1, end: m.ColPtr[j+1]}
}

// Next advances to the next entry and reports whether one exists.
func (it *ColIter) Next() bool {
	it.pos++
	return it.pos < it.end
}

// Row returns the row index of the current entry.
func (it *ColIter) Row() int { return it.m.RowIdx[it.pos] }

// Value returns the value of the current entry.
func (it *ColIter) Value() float64 { return it.m.Val[it.pos] }

// At returns the value at (i, j), zero when the entry is not stored.
func (m *CSC) At(i, j int) float64 {
	if i < 0 || i >= m.rows || j < 0 || j >= m.cols {
		panic(fmt.Sprintf("sparse: index (%d,%d) out of range %dx%d", i, j, m.rows, m.cols))
	}
	start, end := m.ColPtr[j], m.ColPtr[j+1]
	rows := m.RowIdx[start:end]
	k := sort.SearchInts(rows, i)
	if k < len(rows) && rows[k] == i {
		return m.Val[start+k]
	}
	return 0
}

// ColDense writes column j into dst (resized to the row count) and returns it.
func (m *CSC) ColDense(j int, dst []float64) []float64 {
	if cap(dst) < m.rows {
		dst = make([]float64, m.rows)
	}
	dst = dst[:m.rows]
	for i := range dst {
		dst[i] = 0
	}
	it := m.Col(j)
	for it.Next() {
		dst[it.Row()] = it.Value()
	}
	return dst
}
