package runner

import (
	"context"
	"net/http"

	"github.com/NodePath81/netgrade/internal/config"
	"github.com/NodePath81/netgrade/internal/probe"
	"github.com/NodePath81/netgrade/internal/sysinfo"
	"github.com/NodePath81/netgrade/internal/util"
)

type ContextGatherer interface {
	Gather(ctx context.Context) (sysinfo.Info, error)
}

type ThroughputProber interface {
	MeasureAny(ctx context.Context, sources []string, cacheBust bool, progress probe.ProgressFunc) (probe.SpeedSample, error)
	Fallback() probe.SpeedSample
}

type LatencyProber interface {
	SampleWithProgress(ctx context.Context, endpoints []string, sampleCount int, progress probe.ProgressFunc) (probe.JitterStats, error)
}

type LossProber interface {
	EstimateLossWithProgress(ctx context.Context, trialCount int, progress probe.ProgressFunc) (probe.PacketTrialResult, error)
}

type ProviderProber interface {
	ProbeAll(ctx context.Context, providers []probe.Provider, kind probe.ProbeKind) []probe.ProviderResult
}

// Deps are the probes a run drives. A nil dependency disables its stage.
type Deps struct {
	Context    ContextGatherer
	Throughput ThroughputProber
	Latency    LatencyProber
	Loss       LossProber
	Providers  ProviderProber
}

// Plan fixes what a run measures.
type Plan struct {
	Mode              string
	ThroughputSources []string
	CacheBust         bool
	LatencyEndpoints  []string
	LatencySamples    int
	PacketTrials      int
	Providers         map[probe.ProbeKind][]probe.Provider
	Stages            StageSet
}

// StageSet toggles optional stages. Scoring always runs.
type StageSet struct {
	Context    bool
	Throughput bool
	Jitter     bool
	PacketLoss bool
	Providers  bool
}

func (p Plan) quick() bool {
	return p.Mode == config.ModeQuick
}

// PlanFromConfig derives a plan from cfg. Quick mode skips the provider
// battery and uses the reduced sample and trial counts.
func PlanFromConfig(cfg config.Config) Plan {
	providers := map[probe.ProbeKind][]probe.Provider{
		probe.KindDNS:   toProviders(cfg.Providers.DNS),
		probe.KindHTTP:  toProviders(cfg.Providers.HTTP),
		probe.KindHTTPS: toProviders(cfg.Providers.HTTPS),
		probe.KindCDN:   toProviders(cfg.Providers.CDN),
	}
	return Plan{
		Mode:              cfg.Mode,
		ThroughputSources: cfg.Throughput.Sources,
		CacheBust:         cfg.Throughput.CacheBustEnabled(),
		LatencyEndpoints:  cfg.Latency.Endpoints,
		LatencySamples:    cfg.LatencySamples(),
		PacketTrials:      cfg.PacketTrials(),
		Providers:         providers,
		Stages: StageSet{
			Context:    cfg.Stages.ContextEnabled(),
			Throughput: cfg.Stages.ThroughputEnabled(),
			Jitter:     cfg.Stages.JitterEnabled(),
			PacketLoss: cfg.Stages.PacketLossEnabled(),
			Providers:  cfg.Stages.ProvidersEnabled() && !cfg.Quick(),
		},
	}
}

func toProviders(list []config.ProviderConfig) []probe.Provider {
	out := make([]probe.Provider, 0, len(list))
	for _, p := range list {
		out = append(out, probe.Provider{Name: p.Name, URL: p.URL})
	}
	return out
}

// NewDeps wires the production probes for cfg.
func NewDeps(cfg config.Config, logger util.Logger) Deps {
	client := &http.Client{}

	var trials probe.TrialGenerator
	if cfg.PacketLoss.Mode == config.PacketLossICMP {
		trials = probe.NewICMPTrials(cfg.PacketLoss.Target, cfg.PacketLoss.Timeout.Duration())
	} else {
		trials = probe.NewSimulatedTrials(cfg.PacketLoss.Seed)
	}

	return Deps{
		Context: sysinfo.NewGatherer(sysinfo.Config{
			IPServices: cfg.Context.IPServices,
			GeoIPDB:    cfg.Context.GeoIPDB,
			Timeout:    cfg.Context.Timeout.Duration(),
		}, client, logger),
		Throughput: probe.NewSpeedProbe(probe.SpeedConfig{
			SizeBytes:       cfg.Throughput.SizeBytes,
			Timeout:         cfg.Throughput.Timeout.Duration(),
			UploadURL:       cfg.Throughput.UploadURL,
			UploadSizeBytes: cfg.Throughput.UploadSizeBytes,
			RatioMin:        cfg.Throughput.UploadRatio.Min,
			RatioMax:        cfg.Throughput.UploadRatio.Max,
			FallbackDown:    cfg.Throughput.Fallback.DownloadMbps,
			FallbackUp:      cfg.Throughput.Fallback.UploadMbps,
		}, client, nil, logger),
		Latency: probe.NewLatencySampler(probe.LatencyConfig{
			Timeout:         cfg.Latency.Timeout.Duration(),
			FallbackTimeout: cfg.Latency.FallbackTimeout.Duration(),
			DelayMin:        cfg.Latency.Delay.Min.Duration(),
			DelayMax:        cfg.Latency.Delay.Max.Duration(),
		}, probe.NewEndpointPinger(client), nil, logger),
		Loss: probe.NewLossEstimator(trials),
		Providers: probe.NewProviderProbe(probe.ProviderConfig{
			Concurrency: cfg.Providers.Concurrency,
			Timeout:     cfg.Providers.Timeout.Duration(),
			QueryName:   cfg.Providers.Domain,
		}, client, logger),
	}
}
