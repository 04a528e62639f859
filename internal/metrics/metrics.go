package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NodePath81/netgrade/internal/probe"
	"github.com/NodePath81/netgrade/internal/quality"
	"github.com/NodePath81/netgrade/internal/runner"
)

const namespace = "netgrade"

var grades = []quality.Grade{quality.GradeA, quality.GradeB, quality.GradeC, quality.GradeD, quality.GradeF}

// Metrics exports run results on a private registry. It implements
// runner.Observer and its ObserveStage method fits runner.StageHook.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal      *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	stageFailures  *prometheus.CounterVec
	runInProgress  prometheus.Gauge
	progress       prometheus.Gauge
	score          prometheus.Gauge
	grade          *prometheus.GaugeVec
	bandwidthScore prometheus.Gauge
	speed          *prometheus.GaugeVec
	latency        *prometheus.GaugeVec
	lossRate       prometheus.Gauge
	providerRTT    *prometheus.GaugeVec
	providerUp     *prometheus.GaugeVec
	lastRun        prometheus.Gauge

	mu      sync.Mutex
	running bool
}

func NewMetrics(version string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished test runs by outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent in each test stage.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_degraded_total",
			Help:      "Stages that fell back to degraded data.",
		}, []string{"stage"}),
		runInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_in_progress",
			Help:      "1 while a test run is executing.",
		}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_progress_percent",
			Help:      "Overall progress of the current run.",
		}),
		score: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quality_score",
			Help:      "Score of the last scored run.",
		}),
		grade: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quality_grade",
			Help:      "1 for the grade of the last scored run.",
		}, []string{"grade"}),
		bandwidthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bandwidth_score",
			Help:      "Bandwidth score of the last scored run.",
		}),
		speed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throughput_mbps",
			Help:      "Throughput of the last run.",
		}, []string{"direction"}),
		latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latency_ms",
			Help:      "Latency statistics of the last run.",
		}, []string{"stat"}),
		lossRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "packet_loss_percent",
			Help:      "Packet loss rate of the last run.",
		}),
		providerRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_response_ms",
			Help:      "Provider response time of the last run.",
		}, []string{"kind", "provider"}),
		providerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_up",
			Help:      "1 when the provider answered in the last run.",
		}, []string{"kind", "provider"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
	}
	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information.",
	}, []string{"version"})
	buildInfo.WithLabelValues(version).Set(1)

	m.registry.MustRegister(
		m.runsTotal,
		m.stageDuration,
		m.stageFailures,
		m.runInProgress,
		m.progress,
		m.score,
		m.grade,
		m.bandwidthScore,
		m.speed,
		m.latency,
		m.lossRate,
		m.providerRTT,
		m.providerUp,
		m.lastRun,
		buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveStage(stage runner.Stage, elapsed time.Duration, failed bool) {
	m.stageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
	if failed {
		m.stageFailures.WithLabelValues(string(stage)).Inc()
	}
}

func (m *Metrics) OnProgress(_ runner.Stage, _ string, percent float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		m.running = true
		m.runInProgress.Set(1)
	}
	m.progress.Set(percent)
}

func (m *Metrics) OnComplete(report runner.CompositeReport) {
	outcome := "completed"
	if report.Incomplete {
		outcome = "cancelled"
	}
	m.finish(outcome, report)
}

func (m *Metrics) OnError(_ string, report runner.CompositeReport) {
	m.finish("failed", report)
}

func (m *Metrics) finish(outcome string, report runner.CompositeReport) {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	m.runInProgress.Set(0)
	m.runsTotal.WithLabelValues(outcome).Inc()
	if !report.Timestamp.IsZero() {
		m.lastRun.Set(float64(report.Timestamp.Unix()))
	}
	if report.Quality == nil {
		return
	}

	m.score.Set(float64(report.Quality.Score))
	for _, g := range grades {
		val := 0.0
		if g == report.Quality.Grade {
			val = 1
		}
		m.grade.WithLabelValues(string(g)).Set(val)
	}
	m.bandwidthScore.Set(report.BandwidthScore)
	m.speed.WithLabelValues("download").Set(report.Speed.DownloadMbps)
	m.speed.WithLabelValues("upload").Set(report.Speed.UploadMbps)
	m.latency.WithLabelValues("average").Set(report.Jitter.AverageLatency)
	m.latency.WithLabelValues("jitter").Set(report.Jitter.Jitter)
	m.latency.WithLabelValues("min").Set(report.Jitter.MinLatency)
	m.latency.WithLabelValues("max").Set(report.Jitter.MaxLatency)
	m.lossRate.Set(report.PacketLoss.LossRatePercent)

	m.providerRTT.Reset()
	m.providerUp.Reset()
	for _, res := range report.Providers {
		up := 0.0
		if res.Status == probe.StatusSuccess {
			up = 1
			m.providerRTT.WithLabelValues(string(res.Kind), res.Provider).Set(res.ResponseTimeMs)
		}
		m.providerUp.WithLabelValues(string(res.Kind), res.Provider).Set(up)
	}
}
