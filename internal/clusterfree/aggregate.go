package clusterfree

import (
	"github.com/cnk113/cacoa/internal/sparse"
	"gonum.org/v1/gonum/mat"
)

// CountSamples counts how many cells of the neighborhood ids belong to each sample.
// The result has length max(sample id)+1 over the neighborhood, which may be
// shorter than the global number of samples.
func CountSamples(samplePerCell []int, ids []int) ([]int, error) {
	nVals := 0
	for _, id := range ids {
		if id < 0 || id >= len(samplePerCell) {
			return nil, fatalf("count samples", "cell id %d out of range [0,%d)", id, len(samplePerCell))
		}
		v := samplePerCell[id]
		if v < 0 {
			return nil, fatalf("count samples", "sample_per_cell must contain only positive factors, got %d for cell %d", v, id)
		}
		nVals = max(nVals, v+1)
	}

	counts := make([]int, nVals)
	for _, id := range ids {
		counts[samplePerCell[id]]++
	}
	return counts, nil
}

// CollapseNorm builds the genes × samples pseudo-bulk matrix of a neighborhood:
// column s is the sum of the counts of the member cells of sample s divided by
// counts[s]. Summation follows the order of ids and, within a cell, the stored
// row order, so the result is reproducible.
//
// It returns a nil matrix when there are no genes or no samples.
func CollapseNorm(cm *sparse.CSC, samplePerCell []int, ids []int, counts []int) (*mat.Dense, error) {
	rows, cols := cm.Dims()
	for _, id := range ids {
		if id < 0 || id >= cols || id >= len(samplePerCell) {
			return nil, fatalf("collapse", "cell id %d out of range [0,%d)", id, cols)
		}
		if s := samplePerCell[id]; s < 0 || s >= len(counts) {
			return nil, fatalf("collapse", "wrong factor: %d, id: %d", s, id)
		}
	}
	if rows == 0 || len(counts) == 0 {
		return nil, nil
	}

	res := mat.NewDense(rows, len(counts), nil)
	raw := res.RawMatrix()
	for _, id := range ids {
		s := samplePerCell[id]
		n := float64(counts[s])
		it := cm.Col(id)
		for it.Next() {
			raw.Data[it.Row()*raw.Stride+s] += it.Value() / n
		}
	}
	return res, nil
}
