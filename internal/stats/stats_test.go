package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeanJitterStdDev(t *testing.T) {
	samples := []float64{10, 20, 30, 40}
	assert.InDelta(t, 25, Mean(samples), 1e-9)
	// deviations 15,5,5,15
	assert.InDelta(t, 10, Jitter(samples), 1e-9)
	// sum sq dev = 500, /3
	assert.InDelta(t, 12.909944, StdDev(samples), 1e-6)
}

func TestSingleSampleHasNoSpread(t *testing.T) {
	assert.Equal(t, 0.0, Jitter([]float64{42}))
	assert.Equal(t, 0.0, StdDev([]float64{42}))
	assert.Equal(t, 42.0, Mean([]float64{42}))
}

func TestEqualSamplesHaveNoSpread(t *testing.T) {
	for _, samples := range [][]float64{
		{7, 7, 7},
		{12.3, 12.3, 12.3},
		{0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1},
	} {
		assert.Zero(t, Jitter(samples), "%v", samples)
		assert.Zero(t, StdDev(samples), "%v", samples)
	}
}

func TestUnequalSamplesHaveSpread(t *testing.T) {
	for _, samples := range [][]float64{
		{7, 7, 8},
		{12.3, 12.3, 12.300001},
		{40, 10},
	} {
		assert.Greater(t, Jitter(samples), 0.0, "%v", samples)
		assert.Greater(t, StdDev(samples), 0.0, "%v", samples)
	}
}

func TestEmpty(t *testing.T) {
	assert.Equal(t, 0.0, Mean(nil))
	lo, hi := MinMax(nil)
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 0.0, hi)
}

func TestMinMax(t *testing.T) {
	lo, hi := MinMax([]float64{5, 1, 9, 3})
	assert.Equal(t, 1.0, lo)
	assert.Equal(t, 9.0, hi)
}

func TestRounding(t *testing.T) {
	assert.Equal(t, 33.33, Round2(100.0/3))
	assert.Equal(t, 2.5, Round2(2.499999))
	assert.Equal(t, 66.7, Round1(66.66))
}
