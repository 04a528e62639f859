package quality

import (
	"testing"

	"github.com/NodePath81/netgrade/internal/probe"
	"github.com/stretchr/testify/assert"
)

func inputs(down, up, latency, jitter, loss float64) (probe.SpeedSample, probe.JitterStats, probe.PacketTrialResult) {
	return probe.SpeedSample{DownloadMbps: down, UploadMbps: up},
		probe.JitterStats{AverageLatency: latency, Jitter: jitter},
		probe.PacketTrialResult{LossRatePercent: loss}
}

func TestScorePerfectConnection(t *testing.T) {
	r := Score(inputs(100, 30, 20, 5, 0))
	assert.Equal(t, 100, r.Score)
	assert.Equal(t, GradeA, r.Grade)
	assert.Empty(t, r.Recommendations)
}

func TestScoreWorstCase(t *testing.T) {
	r := Score(inputs(1, 1, 500, 100, 10))
	assert.Equal(t, -10, r.Score)
	assert.Equal(t, GradeF, r.Grade)
	assert.Equal(t, []string{
		"Download speed is insufficient for video calls",
		"Upload speed is insufficient for video calls",
		"Very high latency will significantly impact video call quality",
		"Very high jitter will severely impact video calls",
		"High packet loss will severely impact video calls",
	}, r.Recommendations)
}

func TestScoreMixedBrackets(t *testing.T) {
	// -10 download, -8 upload, -5 latency, -2 jitter, -2 loss
	r := Score(inputs(30, 12, 80, 15, 2))
	assert.Equal(t, 73, r.Score)
	assert.Equal(t, GradeC, r.Grade)
	assert.Equal(t, []string{
		"Download speed is good but could be better for 4K video calls",
		"Upload speed is adequate but could be improved",
		"Latency is acceptable but could be lower",
		"Some jitter detected, may cause minor video issues",
		"Minor packet loss detected",
	}, r.Recommendations)
}

func TestScoreBracketEdges(t *testing.T) {
	cases := []struct {
		name  string
		in    [5]float64
		score int
	}{
		{"download 50 is top", [5]float64{50, 25, 50, 10, 1}, 100},
		{"download 49.99", [5]float64{49.99, 25, 50, 10, 1}, 90},
		{"download 10", [5]float64{10, 25, 50, 10, 1}, 80},
		{"download 5", [5]float64{5, 25, 50, 10, 1}, 70},
		{"upload 10", [5]float64{50, 10, 50, 10, 1}, 92},
		{"upload 5", [5]float64{50, 5, 50, 10, 1}, 85},
		{"upload 2", [5]float64{50, 2, 50, 10, 1}, 75},
		{"latency 100", [5]float64{50, 25, 100, 10, 1}, 95},
		{"latency 200", [5]float64{50, 25, 200, 10, 1}, 90},
		{"jitter 20", [5]float64{50, 25, 50, 20, 1}, 98},
		{"jitter 50", [5]float64{50, 25, 50, 50, 1}, 95},
		{"loss 3", [5]float64{50, 25, 50, 10, 3}, 98},
		{"loss 5", [5]float64{50, 25, 50, 10, 5}, 95},
		{"loss 5.01", [5]float64{50, 25, 50, 10, 5.01}, 90},
	}
	for _, tc := range cases {
		r := Score(inputs(tc.in[0], tc.in[1], tc.in[2], tc.in[3], tc.in[4]))
		assert.Equal(t, tc.score, r.Score, tc.name)
	}
}

func TestScoreIsMonotonicInDownload(t *testing.T) {
	prev := -1000
	for _, down := range []float64{0, 4.9, 5, 9.9, 10, 24.9, 25, 49.9, 50, 500} {
		r := Score(inputs(down, 30, 20, 5, 0))
		assert.GreaterOrEqual(t, r.Score, prev, "download %.1f", down)
		prev = r.Score
	}
}

func TestGradeBoundaries(t *testing.T) {
	assert.Equal(t, GradeA, GradeFor(90))
	assert.Equal(t, GradeB, GradeFor(89))
	assert.Equal(t, GradeB, GradeFor(80))
	assert.Equal(t, GradeC, GradeFor(79))
	assert.Equal(t, GradeC, GradeFor(70))
	assert.Equal(t, GradeD, GradeFor(60))
	assert.Equal(t, GradeF, GradeFor(59))
	assert.Equal(t, GradeF, GradeFor(-10))
}

func TestFailedReport(t *testing.T) {
	r := Failed()
	assert.Equal(t, GradeF, r.Grade)
	assert.Equal(t, 0, r.Score)
	assert.Equal(t, []string{FailureRecommendation}, r.Recommendations)
}

func TestBandwidthScore(t *testing.T) {
	assert.Equal(t, 100.0, BandwidthScore(250, 80))
	assert.Equal(t, 50.0, BandwidthScore(50, 25))
	assert.Equal(t, 37.5, BandwidthScore(50, 12.5))
	assert.Equal(t, 0.0, BandwidthScore(0, 0))
}

func TestScoreWithUnmeasuredUsesWorstBracket(t *testing.T) {
	// placeholder values that would otherwise land in the best brackets
	speed, jitter, loss := inputs(50, 25, 0, 0, 0)

	r := ScoreWith(speed, jitter, loss, Unmeasured{Speed: true, Latency: true})
	assert.Equal(t, 10, r.Score)
	assert.Equal(t, GradeF, r.Grade)
	assert.Equal(t, []string{
		"Download speed is insufficient for video calls",
		"Upload speed is insufficient for video calls",
		"Very high latency will significantly impact video call quality",
		"Very high jitter will severely impact video calls",
	}, r.Recommendations)

	r = ScoreWith(speed, jitter, loss, Unmeasured{Loss: true})
	assert.Equal(t, 90, r.Score)
	assert.Equal(t, []string{"High packet loss will severely impact video calls"}, r.Recommendations)

	assert.Equal(t, Score(speed, jitter, loss), ScoreWith(speed, jitter, loss, Unmeasured{}))
}
