package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/NodePath81/netgrade/internal/stats"
	"github.com/NodePath81/netgrade/internal/util"
)

const (
	PhaseLatency = "latency"

	DefaultLatencyTimeout  = 5 * time.Second
	DefaultFallbackTimeout = 3 * time.Second
	DefaultDelayMin        = 100 * time.Millisecond
	DefaultDelayMax        = 300 * time.Millisecond
)

// Pinger measures one round trip to an endpoint.
type Pinger interface {
	Ping(ctx context.Context, endpoint string) (time.Duration, error)
}

// EndpointPinger dispatches on the endpoint scheme: http and https issue a GET,
// tcp dials host:port and icmp sends an echo request to the host.
type EndpointPinger struct {
	client *http.Client
	icmp   *icmpEchoer
}

func NewEndpointPinger(client *http.Client) *EndpointPinger {
	if client == nil {
		client = &http.Client{}
	}
	return &EndpointPinger{client: client, icmp: newICMPEchoer()}
}

func (p *EndpointPinger) Ping(ctx context.Context, endpoint string) (time.Duration, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return 0, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return p.pingHTTP(ctx, endpoint)
	case "tcp":
		return p.pingTCP(ctx, parsed.Host)
	case "icmp":
		timeout := DefaultLatencyTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		rtt, err := p.icmp.Echo(ctx, parsed.Hostname(), timeout)
		return rtt, classify(err)
	default:
		return 0, fmt.Errorf("unsupported endpoint scheme %q", parsed.Scheme)
	}
}

func (p *EndpointPinger) pingHTTP(ctx context.Context, endpoint string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, classify(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	rtt := time.Since(start)
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("%s: http %d", endpoint, resp.StatusCode)
	}
	return rtt, nil
}

func (p *EndpointPinger) pingTCP(ctx context.Context, hostport string) (time.Duration, error) {
	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return 0, classify(err)
	}
	rtt := time.Since(start)
	_ = conn.Close()
	return rtt, nil
}

type LatencyConfig struct {
	Timeout         time.Duration
	FallbackTimeout time.Duration
	DelayMin        time.Duration
	DelayMax        time.Duration
}

// LatencySampler collects round-trip samples against an ordered endpoint list.
type LatencySampler struct {
	cfg    LatencyConfig
	pinger Pinger
	rng    Rand
	sleep  func(ctx context.Context, d time.Duration) error
	logger util.Logger
}

func NewLatencySampler(cfg LatencyConfig, pinger Pinger, rng Rand, logger util.Logger) *LatencySampler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLatencyTimeout
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = DefaultFallbackTimeout
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	if pinger == nil {
		pinger = NewEndpointPinger(nil)
	}
	if rng == nil {
		rng = newRand(0)
	}
	if logger == nil {
		logger = util.NopLogger()
	}
	return &LatencySampler{cfg: cfg, pinger: pinger, rng: rng, sleep: sleepCtx, logger: logger}
}

// Sample is SampleWithProgress without progress reporting.
func (s *LatencySampler) Sample(ctx context.Context, endpoints []string, sampleCount int) (JitterStats, error) {
	return s.SampleWithProgress(ctx, endpoints, sampleCount, nil)
}

// SampleWithProgress takes sampleCount samples. Each iteration tries the
// first endpoint and falls through the rest for that iteration only; a sample
// that fails on every endpoint is dropped and counts against SuccessRate.
// It fails with ErrProbeUnreachable only when no sample succeeds.
func (s *LatencySampler) SampleWithProgress(ctx context.Context, endpoints []string, sampleCount int, progress ProgressFunc) (JitterStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(endpoints) == 0 {
		return JitterStats{}, ErrNoEndpoints
	}
	if sampleCount <= 0 {
		return JitterStats{}, errors.New("sample count must be > 0")
	}

	report := newProgressReporter(PhaseLatency, progress)
	samples := make([]float64, 0, sampleCount)
	var lastErr error
	for i := 0; i < sampleCount; i++ {
		if err := ctx.Err(); err != nil {
			return JitterStats{}, classify(err)
		}
		rtt, err := s.sampleOnce(ctx, endpoints)
		if err != nil {
			lastErr = err
			s.logger.Debug("latency sample failed", "iteration", i, "error", err)
		} else {
			samples = append(samples, float64(rtt.Microseconds())/1000.0)
		}
		report.update(float64(i+1)/float64(sampleCount)*100, fmt.Sprintf("sample %d/%d", i+1, sampleCount))
		if i < sampleCount-1 {
			if err := s.sleep(ctx, s.delay()); err != nil {
				return JitterStats{}, classify(err)
			}
		}
	}
	if len(samples) == 0 {
		return JitterStats{}, fmt.Errorf("%w: 0/%d samples succeeded: %v", ErrProbeUnreachable, sampleCount, lastErr)
	}
	return Summarize(samples, sampleCount), nil
}

func (s *LatencySampler) sampleOnce(ctx context.Context, endpoints []string) (time.Duration, error) {
	var lastErr error
	for idx, ep := range endpoints {
		timeout := s.cfg.Timeout
		if idx > 0 {
			timeout = s.cfg.FallbackTimeout
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		rtt, err := s.pinger.Ping(reqCtx, ep)
		cancel()
		if err == nil {
			return rtt, nil
		}
		lastErr = classify(err)
		if ctx.Err() != nil {
			break
		}
	}
	return 0, lastErr
}

func (s *LatencySampler) delay() time.Duration {
	span := s.cfg.DelayMax - s.cfg.DelayMin
	return s.cfg.DelayMin + time.Duration(s.rng.Float64()*float64(span))
}

// Summarize reduces successful samples to JitterStats. attempted is the
// number of samples requested and drives SuccessRate.
func Summarize(samples []float64, attempted int) JitterStats {
	lo, hi := stats.MinMax(samples)
	var rate float64
	if attempted > 0 {
		rate = float64(len(samples)) / float64(attempted) * 100
	}
	return JitterStats{
		AverageLatency:    stats.Round2(stats.Mean(samples)),
		Jitter:            stats.Round2(stats.Jitter(samples)),
		MinLatency:        stats.Round2(lo),
		MaxLatency:        stats.Round2(hi),
		StandardDeviation: stats.Round2(stats.StdDev(samples)),
		SuccessRate:       stats.Round2(rate),
		Samples:           len(samples),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
