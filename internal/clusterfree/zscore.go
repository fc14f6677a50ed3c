package clusterfree

import (
	"math"

	"github.com/cnk113/cacoa/internal/sparse"
	"gonum.org/v1/gonum/stat"
)

const (
	// madScale makes the MAD a consistent estimator of the normal standard deviation.
	madScale = 1.4826
	// minScale is the smallest reference scale that still yields a finite z-score.
	minScale = 1e-20
	// minExpr is the floor below which a cell does not express a gene.
	minExpr = 1e-20
)

// CellZScores returns one z-score per gene (row of cm) contrasting the target
// samples against the reference samples of the neighborhood ids.
//
// A gene is NaN when either condition has fewer than MinSamplesPerCondition
// samples, when fewer than two reference samples remain, or when the reference
// scale is below 1e-20.
func CellZScores(cm *sparse.CSC, samplePerCell []int, ids []int, isRef []bool, opts ZScoreOptions) ([]float64, error) {
	counts, err := CountSamples(samplePerCell, ids)
	if err != nil {
		return nil, err
	}
	pb, err := CollapseNorm(cm, samplePerCell, ids, counts)
	if err != nil {
		return nil, err
	}

	kept := make([]int, 0, len(counts))
	for s, n := range counts {
		if n < opts.MinObsPerSample {
			continue
		}
		if s >= len(isRef) {
			return nil, fatalf("zscore", "sample %d has no reference flag (%d flags)", s, len(isRef))
		}
		kept = append(kept, s)
	}

	rows, _ := cm.Dims()
	res := make([]float64, rows)
	ref := make([]float64, 0, len(kept))
	target := make([]float64, 0, len(kept))
	dev := make([]float64, 0, len(kept))
	for g := 0; g < rows; g++ {
		ref, target = ref[:0], target[:0]
		for _, s := range kept {
			if isRef[s] {
				ref = append(ref, pb.At(g, s))
			} else {
				target = append(target, pb.At(g, s))
			}
		}

		if min(len(target), len(ref)) < opts.MinSamplesPerCondition || len(ref) < 2 {
			res[g] = math.NaN()
			continue
		}

		var mRef, mTarget, sdRef float64
		if opts.Robust {
			mRef = median(ref)
			mTarget = median(target)
			dev = dev[:0]
			for _, v := range ref {
				dev = append(dev, math.Abs(v-mRef))
			}
			sdRef = median(dev) * madScale
		} else {
			mRef = stat.Mean(ref, nil)
			mTarget = stat.Mean(target, nil)
			sdRef = stat.StdDev(ref, nil)
		}

		if sdRef < minScale {
			res[g] = math.NaN()
			continue
		}
		res[g] = (mTarget - mRef) / sdRef
	}
	return res, nil
}
