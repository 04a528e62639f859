// Package stats reduces latency samples to summary statistics.
package stats

import "math"

func Mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

// Jitter is the mean absolute deviation of samples from their mean.
// It is zero for fewer than two samples and exactly zero when all samples
// are equal, regardless of rounding in the mean.
func Jitter(samples []float64) float64 {
	if len(samples) < 2 || allEqual(samples) {
		return 0
	}
	avg := Mean(samples)
	var sum float64
	for _, v := range samples {
		sum += math.Abs(v - avg)
	}
	return sum / float64(len(samples))
}

// StdDev is the sample standard deviation (n-1 denominator).
// It is zero for fewer than two samples.
func StdDev(samples []float64) float64 {
	if len(samples) < 2 || allEqual(samples) {
		return 0
	}
	// Welford's online update keeps precision on long sample runs.
	var mean, m2 float64
	for i, v := range samples {
		delta := v - mean
		mean += delta / float64(i+1)
		m2 += delta * (v - mean)
	}
	return math.Sqrt(m2 / float64(len(samples)-1))
}

func MinMax(samples []float64) (float64, float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	lo, hi := samples[0], samples[0]
	for _, v := range samples[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Round1 rounds half away from zero to one decimal.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func allEqual(samples []float64) bool {
	for _, v := range samples[1:] {
		if v != samples[0] {
			return false
		}
	}
	return true
}
