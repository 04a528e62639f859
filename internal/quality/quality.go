// Package quality converts measured network statistics into a letter grade
// and an ordered list of recommendations for real-time video calls.
package quality

import (
	"math"

	"github.com/NodePath81/netgrade/internal/probe"
	"github.com/NodePath81/netgrade/internal/stats"
)

type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

// FailureRecommendation accompanies the synthetic report for a run in which
// every stage failed.
const FailureRecommendation = "Network test failed. Please check your connection."

// Report is the scorer output. Recommendations are empty only when every
// metric is in its best bracket.
type Report struct {
	Grade           Grade    `json:"grade"`
	Score           int      `json:"score"`
	Recommendations []string `json:"recommendations"`
}

// bracket is one rubric step: values passing ok lose penalty points and, when
// advice is set, add a recommendation.
type bracket struct {
	ok      func(float64) bool
	penalty float64
	advice  string
}

func atLeast(limit float64) func(float64) bool { return func(v float64) bool { return v >= limit } }
func atMost(limit float64) func(float64) bool { return func(v float64) bool { return v <= limit } }
func always(float64) bool { return true }

var (
	downloadRubric = []bracket{
		{atLeast(50), 0, ""},
		{atLeast(25), 10, "Download speed is good but could be better for 4K video calls"},
		{atLeast(10), 20, "Download speed may limit video call quality"},
		{atLeast(5), 30, "Download speed is too low for HD video calls"},
		{always, 40, "Download speed is insufficient for video calls"},
	}
	uploadRubric = []bracket{
		{atLeast(25), 0, ""},
		{atLeast(10), 8, "Upload speed is adequate but could be improved"},
		{atLeast(5), 15, "Upload speed may cause video quality issues"},
		{atLeast(2), 25, "Upload speed is too low for good video calls"},
		{always, 30, "Upload speed is insufficient for video calls"},
	}
	latencyRubric = []bracket{
		{atMost(50), 0, ""},
		{atMost(100), 5, "Latency is acceptable but could be lower"},
		{atMost(200), 10, "High latency may cause delays in video calls"},
		{always, 20, "Very high latency will significantly impact video call quality"},
	}
	jitterRubric = []bracket{
		{atMost(10), 0, ""},
		{atMost(20), 2, "Some jitter detected, may cause minor video issues"},
		{atMost(50), 5, "High jitter will cause video quality problems"},
		{always, 10, "Very high jitter will severely impact video calls"},
	}
	lossRubric = []bracket{
		{atMost(1), 0, ""},
		{atMost(3), 2, "Minor packet loss detected"},
		{atMost(5), 5, "Moderate packet loss will affect video quality"},
		{always, 10, "High packet loss will severely impact video calls"},
	}
)

func apply(rubric []bracket, value float64) bracket {
	for _, b := range rubric {
		if b.ok(value) {
			return b
		}
	}
	return worst(rubric)
}

func worst(rubric []bracket) bracket {
	return rubric[len(rubric)-1]
}

// Unmeasured flags metrics whose probe failed. Their placeholder values are
// ignored and they are scored in the worst bracket of their rubric.
type Unmeasured struct {
	Speed   bool
	Latency bool
	Loss    bool
}

// Score grades the inputs. Deductions are applied in the order download,
// upload, latency, jitter, loss and recommendations follow the same order.
// The score is not clamped; the worst possible result is -10.
func Score(speed probe.SpeedSample, jitter probe.JitterStats, loss probe.PacketTrialResult) Report {
	return ScoreWith(speed, jitter, loss, Unmeasured{})
}

// ScoreWith is Score for a run in which some probes failed.
func ScoreWith(speed probe.SpeedSample, jitter probe.JitterStats, loss probe.PacketTrialResult, missing Unmeasured) Report {
	score := 100.0
	recs := make([]string, 0, 5)
	steps := []struct {
		rubric  []bracket
		value   float64
		missing bool
	}{
		{downloadRubric, speed.DownloadMbps, missing.Speed},
		{uploadRubric, speed.UploadMbps, missing.Speed},
		{latencyRubric, jitter.AverageLatency, missing.Latency},
		{jitterRubric, jitter.Jitter, missing.Latency},
		{lossRubric, loss.LossRatePercent, missing.Loss},
	}
	for _, step := range steps {
		b := worst(step.rubric)
		if !step.missing {
			b = apply(step.rubric, step.value)
		}
		score -= b.penalty
		if b.advice != "" {
			recs = append(recs, b.advice)
		}
	}
	rounded := int(math.Round(score))
	return Report{
		Grade:           GradeFor(rounded),
		Score:           rounded,
		Recommendations: recs,
	}
}

func GradeFor(score int) Grade {
	switch {
	case score >= 90:
		return GradeA
	case score >= 80:
		return GradeB
	case score >= 70:
		return GradeC
	case score >= 60:
		return GradeD
	default:
		return GradeF
	}
}

// Failed is the synthetic report emitted when no stage produced usable data.
func Failed() Report {
	return Report{
		Grade:           GradeF,
		Score:           0,
		Recommendations: []string{FailureRecommendation},
	}
}

// BandwidthScore rates raw throughput against 100 Mbps down and 50 Mbps up,
// each capped at 100, and returns their mean to one decimal.
func BandwidthScore(downloadMbps, uploadMbps float64) float64 {
	down := math.Min(100, downloadMbps/100*100)
	up := math.Min(100, uploadMbps/50*100)
	return stats.Round1((down + up) / 2)
}
