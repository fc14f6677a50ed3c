package clusterfree

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	minNorm = 1e-10
	minProb = 1e-10
)

// CosineDistance returns 1 - cos(v1, v2) on the raw values.
func CosineDistance(v1, v2 []float64) (float64, error) {
	return correlationDistance(v1, v2, false)
}

// CorrelationDistance returns 1 - Pearson correlation of v1 and v2.
func CorrelationDistance(v1, v2 []float64) (float64, error) {
	return correlationDistance(v1, v2, true)
}

func correlationDistance(v1, v2 []float64, centered bool) (float64, error) {
	if len(v1) != len(v2) {
		return 0, fatalf("distance", "vectors must have the same length (%d != %d)", len(v1), len(v2))
	}
	if floats.HasNaN(v1) || floats.HasNaN(v2) {
		return math.NaN(), nil
	}

	var m1, m2 float64
	if centered && len(v1) > 0 {
		m1 = stat.Mean(v1, nil)
		m2 = stat.Mean(v2, nil)
	}

	var vp, v1s, v2s float64
	for i := range v1 {
		e1, e2 := v1[i]-m1, v2[i]-m2
		vp += e1 * e2
		v1s += e1 * e1
		v2s += e2 * e2
	}
	return 1 - vp/math.Max(math.Sqrt(v1s)*math.Sqrt(v2s), minNorm), nil
}

// klDivergence sums a*log(a/b) over entries where both a and b exceed 1e-10.
func klDivergence(a, b []float64) float64 {
	var res float64
	for i := range a {
		if a[i] > minProb && b[i] > minProb {
			res += math.Log(a[i]/b[i]) * a[i]
		}
	}
	return res
}

// JSDistance returns the square root of the Jensen-Shannon divergence of v1 and v2.
func JSDistance(v1, v2 []float64) (float64, error) {
	if len(v1) != len(v2) {
		return 0, fatalf("distance", "vectors must have the same length (%d != %d)", len(v1), len(v2))
	}
	if floats.HasNaN(v1) || floats.HasNaN(v2) {
		return math.NaN(), nil
	}

	avg := make([]float64, len(v1))
	for i := range v1 {
		avg[i] = (v1[i] + v2[i]) / 2
	}
	return math.Sqrt(0.5 * (klDivergence(v1, avg) + klDivergence(v2, avg))), nil
}

// Distance dispatches to the distance selected by m.
func Distance(m Metric, v1, v2 []float64) (float64, error) {
	switch m {
	case MetricCosine:
		return CosineDistance(v1, v2)
	case MetricJS:
		return JSDistance(v1, v2)
	case MetricCorrelation:
		return CorrelationDistance(v1, v2)
	default:
		return 0, fatalf("distance", "unknown dist: %d", int(m))
	}
}
