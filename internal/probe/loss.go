package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NodePath81/netgrade/internal/stats"
)

const PhasePacketLoss = "packet_loss"

// Trial is the outcome of a single packet trial. LatencyMs is meaningful only
// when Lost is false.
type Trial struct {
	Lost      bool
	LatencyMs float64
}

// TrialGenerator produces packet trials. Implementations may simulate or
// send real traffic.
type TrialGenerator interface {
	Trial(ctx context.Context, seq int) (Trial, error)
	Simulated() bool
}

// SimulatedTrials reproduces a synthetic loss model. It does not touch the
// network: each trial draws a network condition, picks a loss probability
// of 15%, 8% or 2% from it, then draws again to decide loss. Survivors get
// a latency uniform in [10,60) ms.
type SimulatedTrials struct {
	mu  sync.Mutex
	rng Rand
}

// NewSimulatedTrials seeds the generator; seed 0 uses the current time.
func NewSimulatedTrials(seed int64) *SimulatedTrials {
	return &SimulatedTrials{rng: newRand(seed)}
}

// NewSimulatedTrialsFrom uses an explicit random source.
func NewSimulatedTrialsFrom(rng Rand) *SimulatedTrials {
	return &SimulatedTrials{rng: rng}
}

func (s *SimulatedTrials) Trial(_ context.Context, _ int) (Trial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	condition := s.rng.Float64()
	latency := 10 + s.rng.Float64()*50
	if s.rng.Float64() < LossProbability(condition) {
		return Trial{Lost: true}, nil
	}
	return Trial{LatencyMs: latency}, nil
}

func (s *SimulatedTrials) Simulated() bool { return true }

// LossProbability maps a network condition draw in [0,1) to a loss probability.
func LossProbability(condition float64) float64 {
	switch {
	case condition > 0.8:
		return 0.15
	case condition > 0.6:
		return 0.08
	default:
		return 0.02
	}
}

// ICMPTrials sends one real ICMP echo request per trial. A missing reply
// within the timeout counts as a lost packet.
type ICMPTrials struct {
	target  string
	timeout time.Duration
	echoer  *icmpEchoer
}

func NewICMPTrials(target string, timeout time.Duration) *ICMPTrials {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ICMPTrials{target: target, timeout: timeout, echoer: newICMPEchoer()}
}

func (t *ICMPTrials) Trial(ctx context.Context, _ int) (Trial, error) {
	rtt, err := t.echoer.Echo(ctx, t.target, t.timeout)
	if err != nil {
		if errors.Is(err, ErrProbeTimeout) {
			return Trial{Lost: true}, nil
		}
		return Trial{}, err
	}
	return Trial{LatencyMs: float64(rtt.Microseconds()) / 1000.0}, nil
}

func (t *ICMPTrials) Simulated() bool { return false }

// LossEstimator aggregates trials from a TrialGenerator.
type LossEstimator struct {
	gen TrialGenerator
}

func NewLossEstimator(gen TrialGenerator) *LossEstimator {
	if gen == nil {
		gen = NewSimulatedTrials(0)
	}
	return &LossEstimator{gen: gen}
}

// EstimateLoss is EstimateLossWithProgress without progress reporting.
func (e *LossEstimator) EstimateLoss(ctx context.Context, trialCount int) (PacketTrialResult, error) {
	return e.EstimateLossWithProgress(ctx, trialCount, nil)
}

// EstimateLossWithProgress runs trialCount trials. Latency statistics cover
// surviving trials only. A generator error counts as a lost trial, unless
// every trial errored: then nothing was measured and the result is
// ErrProbeUnreachable.
func (e *LossEstimator) EstimateLossWithProgress(ctx context.Context, trialCount int, progress ProgressFunc) (PacketTrialResult, error) {
	if trialCount <= 0 {
		return PacketTrialResult{}, ErrNoTrials
	}
	if ctx == nil {
		ctx = context.Background()
	}
	report := newProgressReporter(PhasePacketLoss, progress)
	latencies := make([]float64, 0, trialCount)
	lost, errored := 0, 0
	var lastErr error
	for i := 0; i < trialCount; i++ {
		if err := ctx.Err(); err != nil {
			return PacketTrialResult{}, classify(err)
		}
		trial, err := e.gen.Trial(ctx, i)
		switch {
		case err != nil:
			errored++
			lastErr = err
			lost++
		case trial.Lost:
			lost++
		default:
			latencies = append(latencies, trial.LatencyMs)
		}
		report.update(float64(i+1)/float64(trialCount)*100, fmt.Sprintf("packet %d/%d", i+1, trialCount))
	}
	if errored == trialCount {
		return PacketTrialResult{}, fmt.Errorf("%w: all %d trials failed: %v", ErrProbeUnreachable, trialCount, lastErr)
	}
	lo, hi := stats.MinMax(latencies)
	return PacketTrialResult{
		Sent:            trialCount,
		Received:        len(latencies),
		Lost:            lost,
		LossRatePercent: stats.Round2(float64(lost) / float64(trialCount) * 100),
		AverageLatency:  stats.Round2(stats.Mean(latencies)),
		MinLatency:      stats.Round2(lo),
		MaxLatency:      stats.Round2(hi),
		Simulated:       e.gen.Simulated(),
	}, nil
}
