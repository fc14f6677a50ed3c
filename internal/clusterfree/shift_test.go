package clusterfree

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Four samples with one cell each: s0=[1,0], s1=[0,1] (reference),
// s2=s3=[1,1] (target).
func pairMatrix(t *testing.T) ([]int, []bool, func() ShiftOptions) {
	t.Helper()
	factor := []int{0, 1, 2, 3}
	isRef := []bool{true, true, false, false}
	return factor, isRef, DefaultShiftOptions
}

func TestCellExpressionShift_PairClassification(t *testing.T) {
	cm := denseCSC(t, [][]float64{
		{1, 0, 1, 1},
		{0, 1, 1, 1},
	})
	factor, isRef, defaults := pairMatrix(t)
	between := 1 - 1/math.Sqrt2

	t.Run("reference pairs only", func(t *testing.T) {
		// within: (s0,s1)=1; between: four pairs at 1-1/sqrt(2); (s2,s3) ignored.
		got, err := CellExpressionShift(cm, factor, allCells(4), isRef, defaults())
		require.NoError(t, err)
		assert.InDelta(t, between/1, got, 1e-12)
	})

	t.Run("norm all", func(t *testing.T) {
		// within: (s0,s1)=1 and (s2,s3)=0, median 0.5.
		opts := defaults()
		opts.NormAll = true
		got, err := CellExpressionShift(cm, factor, allCells(4), isRef, opts)
		require.NoError(t, err)
		assert.InDelta(t, between/0.5, got, 1e-12)
	})

	t.Run("too few within pairs", func(t *testing.T) {
		opts := defaults()
		opts.MinWithin = 2
		got, err := CellExpressionShift(cm, factor, allCells(4), isRef, opts)
		require.NoError(t, err)
		assert.True(t, math.IsNaN(got))
	})

	t.Run("too few between pairs", func(t *testing.T) {
		opts := defaults()
		opts.MinBetween = 5
		got, err := CellExpressionShift(cm, factor, allCells(4), isRef, opts)
		require.NoError(t, err)
		assert.True(t, math.IsNaN(got))
	})

	t.Run("sample below min obs is skipped", func(t *testing.T) {
		// Cells 0 and 1 only; s2/s3 are absent so there are no between pairs.
		got, err := CellExpressionShift(cm, factor, []int{0, 1}, isRef, defaults())
		require.NoError(t, err)
		assert.True(t, math.IsNaN(got))
	})
}

func TestCellExpressionShift_LogVecs(t *testing.T) {
	cm := denseCSC(t, [][]float64{
		{5, 1, 9, 2},
		{1, 4, 3, 8},
		{0, 2, 7, 1},
	})
	factor, isRef, defaults := pairMatrix(t)

	plain, err := CellExpressionShift(cm, factor, allCells(4), isRef, defaults())
	require.NoError(t, err)

	opts := defaults()
	opts.LogVecs = true
	logged, err := CellExpressionShift(cm, factor, allCells(4), isRef, opts)
	require.NoError(t, err)

	assert.False(t, math.IsNaN(logged))
	assert.NotEqual(t, plain, logged)
}

func TestCellExpressionShift_UnknownMetric(t *testing.T) {
	cm := denseCSC(t, [][]float64{{1, 2}})
	opts := DefaultShiftOptions()
	opts.Metric = Metric(9)
	_, err := CellExpressionShift(cm, []int{0, 1}, allCells(2), []bool{true, false}, opts)
	assert.ErrorIs(t, err, ErrFatalInput)
}

func TestCellExpressionShift_RelabelInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const genes, nSamples, perSample = 5, 4, 3
	rows := make([][]float64, genes)
	for g := range rows {
		rows[g] = make([]float64, nSamples*perSample)
		for c := range rows[g] {
			rows[g][c] = float64(rng.Intn(6))
		}
	}
	cm := denseCSC(t, rows)

	factor := make([]int, nSamples*perSample)
	for c := range factor {
		factor[c] = c / perSample
	}
	isRef := []bool{true, true, false, false}

	perm := []int{2, 0, 3, 1}
	relabeled := make([]int, len(factor))
	for c, s := range factor {
		relabeled[c] = perm[s]
	}
	permRef := make([]bool, nSamples)
	for s, r := range isRef {
		permRef[perm[s]] = r
	}

	for _, m := range []Metric{MetricCosine, MetricCorrelation, MetricJS} {
		for _, normAll := range []bool{false, true} {
			opts := DefaultShiftOptions()
			opts.Metric = m
			opts.NormAll = normAll

			want, err := CellExpressionShift(cm, factor, allCells(len(factor)), isRef, opts)
			require.NoError(t, err)
			got, err := CellExpressionShift(cm, relabeled, allCells(len(factor)), permRef, opts)
			require.NoError(t, err)

			if math.IsNaN(want) {
				assert.True(t, math.IsNaN(got))
				continue
			}
			assert.InDeltaf(t, want, got, 1e-12, "metric %s normAll %v", m, normAll)
		}
	}
}
