package clusterfree

// Metric selects the distance between two sample pseudo-bulk vectors.
type Metric int

const (
	MetricCosine Metric = iota
	MetricJS
	MetricCorrelation
)

func (m Metric) String() string {
	switch m {
	case MetricCosine:
		return "cosine"
	case MetricJS:
		return "js"
	case MetricCorrelation:
		return "cor"
	default:
		return "unknown"
	}
}

// ParseMetric maps "cosine", "js" or "cor" to a Metric. Any other name,
// including the empty string, is a fatal input error.
func ParseMetric(name string) (Metric, error) {
	switch name {
	case "cosine":
		return MetricCosine, nil
	case "js":
		return MetricJS, nil
	case "cor":
		return MetricCorrelation, nil
	default:
		return 0, fatalf("parse metric", "unknown dist: %q", name)
	}
}

// Progress receives the number of finished tasks out of total.
// It may be called concurrently from several workers.
type Progress func(done, total int)

// ZScoreOptions configures ZScoreMatrix and CellZScores.
type ZScoreOptions struct {
	// MinSamplesPerCondition is the minimal number of samples in both the
	// reference and the target group.
	MinSamplesPerCondition int
	// MinObsPerSample drops samples with fewer member cells in the neighborhood.
	MinObsPerSample int
	// Robust selects median/MAD instead of mean/standard deviation.
	Robust bool
	// MinZ is the smallest |z| kept in the sparse result. NaN is always kept.
	MinZ float64

	Workers  int
	Progress Progress
}

// DefaultZScoreOptions returns the documented defaults.
func DefaultZScoreOptions() ZScoreOptions {
	return ZScoreOptions{
		MinSamplesPerCondition: 2,
		MinObsPerSample:        1,
		Robust:                 true,
		MinZ:                   0.01,
		Workers:                1,
	}
}

// ShiftOptions configures ExpressionShifts and CellExpressionShift.
type ShiftOptions struct {
	MinBetween      int
	MinWithin       int
	MinObsPerSample int
	// NormAll counts target/target pairs as within-condition pairs too.
	NormAll bool
	Metric  Metric
	// LogVecs replaces every pseudo-bulk value x by log10(1000x + 1).
	LogVecs bool

	Workers  int
	Progress Progress
}

// DefaultShiftOptions returns the documented defaults.
func DefaultShiftOptions() ShiftOptions {
	return ShiftOptions{
		MinBetween:      1,
		MinWithin:       1,
		MinObsPerSample: 1,
		NormAll:         false,
		Metric:          MetricCosine,
		LogVecs:         false,
		Workers:         1,
	}
}
