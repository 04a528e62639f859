package probe

import (
	"fmt"
	"strings"
)

// ProgressFunc receives progress updates during a probe run.
// percentComplete is in [0,100].
type ProgressFunc func(phase string, percentComplete float64, status string)

// SpeedSample is the result of one throughput run. UploadMbps is derived from
// the download rate unless UploadMeasured is set.
type SpeedSample struct {
	DownloadMbps   float64 `json:"download_mbps"`
	UploadMbps     float64 `json:"upload_mbps"`
	UploadMeasured bool    `json:"upload_measured"`
	Fallback       bool    `json:"fallback"`
	Source         string  `json:"source,omitempty"`
	Bytes          int64   `json:"bytes,omitempty"`
	DurationMs     float64 `json:"duration_ms,omitempty"`
}

// JitterStats summarizes one latency sampling run. All latency values are
// milliseconds rounded to two decimals.
type JitterStats struct {
	AverageLatency    float64 `json:"average_latency_ms"`
	Jitter            float64 `json:"jitter_ms"`
	MinLatency        float64 `json:"min_latency_ms"`
	MaxLatency        float64 `json:"max_latency_ms"`
	StandardDeviation float64 `json:"standard_deviation_ms"`
	SuccessRate       float64 `json:"success_rate"`
	Samples           int     `json:"samples"`
}

// PacketTrialResult aggregates a packet-loss run. Latency fields cover
// surviving trials only. Sent == Received + Lost.
type PacketTrialResult struct {
	Sent            int     `json:"sent"`
	Received        int     `json:"received"`
	Lost            int     `json:"lost"`
	LossRatePercent float64 `json:"loss_rate_percent"`
	AverageLatency  float64 `json:"average_latency_ms"`
	MinLatency      float64 `json:"min_latency_ms"`
	MaxLatency      float64 `json:"max_latency_ms"`
	Simulated       bool    `json:"simulated"`
}

type ProbeKind string

const (
	KindDNS   ProbeKind = "dns"
	KindHTTP  ProbeKind = "http"
	KindHTTPS ProbeKind = "https"
	KindCDN   ProbeKind = "cdn"
)

// Kinds lists the provider kinds in battery order.
var Kinds = []ProbeKind{KindDNS, KindHTTP, KindHTTPS, KindCDN}

func ParseKind(s string) (ProbeKind, error) {
	kind := ProbeKind(strings.ToLower(strings.TrimSpace(s)))
	switch kind {
	case KindDNS, KindHTTP, KindHTTPS, KindCDN:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

type Tier string

const (
	TierExcellent Tier = "excellent"
	TierGood      Tier = "good"
	TierFair      Tier = "fair"
	TierPoor      Tier = "poor"
	TierFailed    Tier = "failed"
)

// Provider is one endpoint in a reachability battery.
type Provider struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ProviderResult is the outcome of probing one provider. Tier is TierFailed
// exactly when Status is StatusError.
type ProviderResult struct {
	Provider       string    `json:"provider"`
	Kind           ProbeKind `json:"kind"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	Status         Status    `json:"status"`
	Tier           Tier      `json:"tier"`
	Error          string    `json:"error,omitempty"`
}
