package clusterfree

import (
	"context"
	"math"
	"time"

	"github.com/cnk113/cacoa/internal/metrics"
	"github.com/cnk113/cacoa/internal/sparse"
)

// Neighborhoods is an ordered, optionally named, collection of cell-id lists.
type Neighborhoods struct {
	Names []string // nil or len(Cells)
	Cells [][]int
}

// Len returns the number of neighborhoods.
func (n Neighborhoods) Len() int { return len(n.Cells) }

// ShiftResult holds one expression-shift score per neighborhood.
type ShiftResult struct {
	Names  []string
	Scores []float64
}

// ZeroBased converts a one-based sample factor to zero-based sample ids and
// returns the number of samples. The factor must be non-empty and encode at
// least two levels.
func ZeroBased(samplePerCell []int) ([]int, int, error) {
	if len(samplePerCell) == 0 {
		return nil, 0, fatalf("sample factor", "sample_per_cell must be a factor vector with non-empty levels")
	}
	out := make([]int, len(samplePerCell))
	maxID := math.MinInt
	for i, v := range samplePerCell {
		out[i] = v - 1
		maxID = max(maxID, out[i])
	}
	if maxID <= 0 {
		return nil, 0, fatalf("sample factor", "sample_per_cell must be a factor vector with non-empty levels")
	}
	return out, maxID + 1, nil
}

func validateInputs(cm *sparse.CSC, factor []int, nSamples int, nbhds Neighborhoods, isRef []bool) error {
	_, cols := cm.Dims()
	if len(factor) != cols {
		return fatalf("validate", "sample_per_cell has %d entries for %d cells", len(factor), cols)
	}
	if len(isRef) < nSamples {
		return fatalf("validate", "is_ref has %d entries for %d samples", len(isRef), nSamples)
	}
	if nbhds.Names != nil && len(nbhds.Names) != len(nbhds.Cells) {
		return fatalf("validate", "%d neighborhood names for %d neighborhoods", len(nbhds.Names), len(nbhds.Cells))
	}
	return nil
}

// ZScoreMatrix scores every cell against its neighborhood: neighborhood i is
// the neighborhood of cell (column) i. samplePerCell is one-based.
//
// The result is a sparse genes × cells matrix with the labels of cm. Entry
// (g, c) is stored only when cell c expresses g above 1e-20 and the z-score of
// g in the neighborhood of c is NaN or has magnitude at least opts.MinZ.
func ZScoreMatrix(ctx context.Context, cm *sparse.CSC, samplePerCell []int, nbhds Neighborhoods, isRef []bool, opts ZScoreOptions) (_ *sparse.CSC, err error) {
	defer func() { recordRun("zscore", err) }()

	factor, nSamples, err := ZeroBased(samplePerCell)
	if err != nil {
		return nil, err
	}
	if err := validateInputs(cm, factor, nSamples, nbhds, isRef); err != nil {
		return nil, err
	}
	rows, cols := cm.Dims()
	if nbhds.Len() > cols {
		return nil, fatalf("validate", "%d neighborhoods for %d cells", nbhds.Len(), cols)
	}

	var acc sparse.TripletCollector
	task := func(ci int) error {
		start := time.Now()
		zs, err := CellZScores(cm, factor, nbhds.Cells[ci], isRef, opts)
		if err != nil {
			return err
		}

		nNaN := 0
		it := cm.Col(ci)
		for it.Next() {
			if it.Value() < minExpr {
				continue
			}
			z := zs[it.Row()]
			if math.IsNaN(z) {
				nNaN++
			} else if math.Abs(z) < opts.MinZ {
				continue
			}
			acc.Add(sparse.Triplet{Row: it.Row(), Col: ci, Val: z})
		}

		metrics.TasksTotal.WithLabelValues("zscore").Inc()
		metrics.NaNScoresTotal.WithLabelValues("zscore").Add(float64(nNaN))
		metrics.TaskDuration.WithLabelValues("zscore").Observe(time.Since(start).Seconds())
		return nil
	}
	if err := RunParallel(ctx, nbhds.Len(), opts.Workers, task, opts.Progress); err != nil {
		return nil, err
	}

	res, err := acc.Build(rows, cols)
	if err != nil {
		return nil, err
	}
	if err := res.SetLabels(cm.RowNames, cm.ColNames); err != nil {
		return nil, err
	}
	return res, nil
}

// ExpressionShifts computes one expression-shift score per neighborhood.
// samplePerCell is one-based. Names are copied from nbhds.
func ExpressionShifts(ctx context.Context, cm *sparse.CSC, samplePerCell []int, nbhds Neighborhoods, isRef []bool, opts ShiftOptions) (_ *ShiftResult, err error) {
	defer func() { recordRun("shift", err) }()

	factor, nSamples, err := ZeroBased(samplePerCell)
	if err != nil {
		return nil, err
	}
	if err := validateInputs(cm, factor, nSamples, nbhds, isRef); err != nil {
		return nil, err
	}

	scores := make([]float64, nbhds.Len())
	task := func(i int) error {
		start := time.Now()
		s, err := CellExpressionShift(cm, factor, nbhds.Cells[i], isRef, opts)
		if err != nil {
			return err
		}
		scores[i] = s

		metrics.TasksTotal.WithLabelValues("shift").Inc()
		if math.IsNaN(s) {
			metrics.NaNScoresTotal.WithLabelValues("shift").Inc()
		}
		metrics.TaskDuration.WithLabelValues("shift").Observe(time.Since(start).Seconds())
		return nil
	}
	if err := RunParallel(ctx, nbhds.Len(), opts.Workers, task, opts.Progress); err != nil {
		return nil, err
	}

	var names []string
	if nbhds.Names != nil {
		names = append([]string(nil), nbhds.Names...)
	}
	return &ShiftResult{Names: names, Scores: scores}, nil
}

func recordRun(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RunsTotal.WithLabelValues(kind, outcome).Inc()
}
