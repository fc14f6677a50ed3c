package clusterfree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountSamples(t *testing.T) {
	t.Run("sizedToMaxObserved", func(t *testing.T) {
		factor := []int{0, 2, 2, 1, 3}
		counts, err := CountSamples(factor, []int{0, 1, 2, 1})
		require.NoError(t, err)
		assert.Equal(t, []int{1, 0, 3}, counts)
	})
	t.Run("empty", func(t *testing.T) {
		counts, err := CountSamples([]int{0, 1}, nil)
		require.NoError(t, err)
		assert.Empty(t, counts)
	})
	t.Run("negativeFactor", func(t *testing.T) {
		_, err := CountSamples([]int{0, -1}, []int{0, 1})
		assert.ErrorIs(t, err, ErrFatalInput)
	})
	t.Run("cellOutOfRange", func(t *testing.T) {
		_, err := CountSamples([]int{0, 1}, []int{2})
		assert.ErrorIs(t, err, ErrFatalInput)
	})
}

func TestCollapseNorm_PseudoBulkMeans(t *testing.T) {
	// 3 genes × 5 cells, cells 0,1,4 in sample 0 and cells 2,3 in sample 1.
	cm := denseCSC(t, [][]float64{
		{1, 2, 0, 4, 3},
		{0, 0, 5, 1, 0},
		{6, 0, 2, 2, 9},
	})
	factor := []int{0, 0, 1, 1, 0}
	ids := allCells(5)

	counts, err := CountSamples(factor, ids)
	require.NoError(t, err)
	require.Equal(t, []int{3, 2}, counts)

	pb, err := CollapseNorm(cm, factor, ids, counts)
	require.NoError(t, err)
	r, c := pb.Dims()
	require.Equal(t, 3, r)
	require.Equal(t, 2, c)

	want := [][]float64{
		{(1 + 2 + 3) / 3.0, (0 + 4) / 2.0},
		{0, (5 + 1) / 2.0},
		{(6 + 0 + 9) / 3.0, (2 + 2) / 2.0},
	}
	for g := range want {
		for s := range want[g] {
			assert.InDeltaf(t, want[g][s], pb.At(g, s), 1e-12, "gene %d sample %d", g, s)
		}
	}
}

func TestCollapseNorm_SubsetAndRepeats(t *testing.T) {
	cm := denseCSC(t, [][]float64{{2, 4, 8}})
	factor := []int{0, 1, 1}
	ids := []int{2, 2, 0}

	counts, err := CountSamples(factor, ids)
	require.NoError(t, err)
	pb, err := CollapseNorm(cm, factor, ids, counts)
	require.NoError(t, err)

	assert.InDelta(t, 2.0, pb.At(0, 0), 1e-12)
	assert.InDelta(t, 8.0, pb.At(0, 1), 1e-12)
}

func TestCollapseNorm_WrongFactor(t *testing.T) {
	cm := denseCSC(t, [][]float64{{1, 1}})
	_, err := CollapseNorm(cm, []int{0, 1}, []int{0, 1}, []int{1})
	require.ErrorIs(t, err, ErrFatalInput)
	assert.Contains(t, err.Error(), "wrong factor")
}

func TestCollapseNorm_EmptyNeighborhood(t *testing.T) {
	cm := denseCSC(t, [][]float64{{1, 1}})
	pb, err := CollapseNorm(cm, []int{0, 1}, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, pb)
}
