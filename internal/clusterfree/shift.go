package clusterfree

import (
	"math"

	"github.com/cnk113/cacoa/internal/sparse"
	"gonum.org/v1/gonum/mat"
)

// CellExpressionShift returns the ratio of the median between-condition
// distance to the median within-condition distance over all pairs of sample
// pseudo-bulks of the neighborhood ids.
//
// A pair is within-condition when both samples are reference, or, with
// NormAll, when both share a condition; it is between-condition when the
// conditions differ. Target/target pairs without NormAll are ignored.
// The result is NaN when there are fewer than MinWithin within pairs or
// MinBetween between pairs.
func CellExpressionShift(cm *sparse.CSC, samplePerCell []int, ids []int, isRef []bool, opts ShiftOptions) (float64, error) {
	switch opts.Metric {
	case MetricCosine, MetricJS, MetricCorrelation:
	default:
		return 0, fatalf("expression shift", "unknown dist: %d", int(opts.Metric))
	}

	counts, err := CountSamples(samplePerCell, ids)
	if err != nil {
		return 0, err
	}
	pb, err := CollapseNorm(cm, samplePerCell, ids, counts)
	if err != nil {
		return 0, err
	}
	if opts.LogVecs && pb != nil {
		pb.Apply(func(_, _ int, v float64) float64 {
			return math.Log10(1e3*v + 1)
		}, pb)
	}

	rows, _ := cm.Dims()
	v1 := make([]float64, rows)
	v2 := make([]float64, rows)

	var within, between []float64
	for s1 := range counts {
		if counts[s1] < opts.MinObsPerSample {
			continue
		}
		if pb != nil {
			mat.Col(v1, s1, pb)
		}
		for s2 := s1 + 1; s2 < len(counts); s2++ {
			if counts[s2] < opts.MinObsPerSample {
				continue
			}
			if s2 >= len(isRef) {
				return 0, fatalf("expression shift", "sample %d has no reference flag (%d flags)", s2, len(isRef))
			}
			if pb != nil {
				mat.Col(v2, s2, pb)
			}

			d, err := Distance(opts.Metric, v1, v2)
			if err != nil {
				return 0, err
			}

			r1, r2 := isRef[s1], isRef[s2]
			isWithin := r1 && r2
			if opts.NormAll {
				isWithin = r1 == r2
			}
			if isWithin {
				within = append(within, d)
			} else if r1 != r2 {
				between = append(between, d)
			}
		}
	}

	if len(within) < opts.MinWithin || len(between) < opts.MinBetween {
		return math.NaN(), nil
	}
	return median(between) / median(within), nil
}
