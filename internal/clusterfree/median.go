package clusterfree

import (
	"math"
	"sort"
)

// median returns the median of vals, averaging the two central order
// statistics for even lengths. It reorders vals. The median of an empty
// slice is NaN.
func median(vals []float64) float64 {
	n := len(vals)
	if n == 0 {
		return math.NaN()
	}
	sort.Float64s(vals)
	if n%2 != 0 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}
