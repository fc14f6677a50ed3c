package clusterfree

import (
	"math"
	"testing"

	"github.com/cnk113/cacoa/internal/sparse"
	"github.com/stretchr/testify/require"
)

// denseCSC builds a CSC matrix from row-major dense rows (genes × cells).
func denseCSC(t *testing.T, rows [][]float64) *sparse.CSC {
	t.Helper()
	var ts []sparse.Triplet
	nCols := 0
	if len(rows) > 0 {
		nCols = len(rows[0])
	}
	for g, row := range rows {
		require.Len(t, row, nCols)
		for c, v := range row {
			if v != 0 {
				ts = append(ts, sparse.Triplet{Row: g, Col: c, Val: v})
			}
		}
	}
	m, err := sparse.FromTriplets(len(rows), nCols, ts)
	require.NoError(t, err)
	return m
}

func allCells(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

func oneBased(factor []int) []int {
	out := make([]int, len(factor))
	for i, v := range factor {
		out[i] = v + 1
	}
	return out
}

func sameBits(t *testing.T, want, got []float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.Equalf(t, math.Float64bits(want[i]), math.Float64bits(got[i]), "index %d: %v != %v", i, want[i], got[i])
	}
}
