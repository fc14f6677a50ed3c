package clusterfree

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineDistance(t *testing.T) {
	d, err := CosineDistance([]float64{1, 0}, []float64{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, d, 1e-12)

	d, err = CosineDistance([]float64{1, 2, 3}, []float64{2, 4, 6})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, d, 1e-12)

	// Zero vectors fall back to the 1e-10 floor instead of dividing by zero.
	d, err = CosineDistance([]float64{0, 0}, []float64{0, 0})
	require.NoError(t, err)
	assert.Equal(t, 1.0, d)
}

func TestCorrelationDistance(t *testing.T) {
	d, err := CorrelationDistance([]float64{1, 2, 3}, []float64{10, 20, 30})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, d, 1e-12)

	d, err = CorrelationDistance([]float64{1, 2, 3}, []float64{3, 2, 1})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, d, 1e-12)

	// Centering distinguishes cor from cosine on shifted vectors.
	cos, err := CosineDistance([]float64{1, 2, 3}, []float64{11, 12, 13})
	require.NoError(t, err)
	cor, err := CorrelationDistance([]float64{1, 2, 3}, []float64{11, 12, 13})
	require.NoError(t, err)
	assert.Greater(t, cos, 0.0)
	assert.InDelta(t, 0.0, cor, 1e-12)
}

func TestJSDistance(t *testing.T) {
	d, err := JSDistance([]float64{1, 0}, []float64{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt(math.Ln2), d, 1e-12)

	d, err = JSDistance([]float64{0.2, 0.3, 0.5}, []float64{0.2, 0.3, 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, d, 1e-12)
}

func TestDistance_Symmetric(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(20)
		v1 := make([]float64, n)
		v2 := make([]float64, n)
		for i := range v1 {
			v1[i] = rng.Float64() * 10
			v2[i] = rng.Float64() * 10
		}
		for _, m := range []Metric{MetricCosine, MetricCorrelation, MetricJS} {
			a, err := Distance(m, v1, v2)
			require.NoError(t, err)
			b, err := Distance(m, v2, v1)
			require.NoError(t, err)
			assert.Equalf(t, a, b, "metric %s not symmetric", m)
		}
	}
}

func TestDistance_NaNPropagation(t *testing.T) {
	v1 := []float64{1, math.NaN(), 3}
	v2 := []float64{4, 5, 6}
	for _, m := range []Metric{MetricCosine, MetricCorrelation, MetricJS} {
		d, err := Distance(m, v1, v2)
		require.NoError(t, err)
		assert.Truef(t, math.IsNaN(d), "metric %s", m)

		d, err = Distance(m, v2, v1)
		require.NoError(t, err)
		assert.Truef(t, math.IsNaN(d), "metric %s (swapped)", m)
	}
}

func TestDistance_LengthMismatch(t *testing.T) {
	for _, m := range []Metric{MetricCosine, MetricCorrelation, MetricJS} {
		_, err := Distance(m, []float64{1, 2}, []float64{1})
		assert.ErrorIsf(t, err, ErrFatalInput, "metric %s", m)
	}
}

func TestParseMetric(t *testing.T) {
	for name, want := range map[string]Metric{"cosine": MetricCosine, "js": MetricJS, "cor": MetricCorrelation} {
		m, err := ParseMetric(name)
		require.NoError(t, err)
		assert.Equal(t, want, m)
		assert.Equal(t, name, m.String())
	}

	for _, name := range []string{"euclidean", "", " js", "COSINE"} {
		_, err := ParseMetric(name)
		assert.ErrorIsf(t, err, ErrFatalInput, "metric %q", name)
	}

	_, err := Distance(Metric(42), []float64{1}, []float64{1})
	assert.ErrorIs(t, err, ErrFatalInput)
}
