package runner

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/NodePath81/netgrade/internal/probe"
	"github.com/NodePath81/netgrade/internal/quality"
	"github.com/NodePath81/netgrade/internal/util"
)

const totalFailureReason = "test failed, check your connection"

// StageHook is told how long each executed stage took and whether it fell
// back to degraded data.
type StageHook func(stage Stage, elapsed time.Duration, failed bool)

type Option func(*Orchestrator)

func WithStageHook(hook StageHook) Option {
	return func(o *Orchestrator) { o.stageHook = hook }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithIDFunc(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// Orchestrator sequences the probes of one run at a time.
type Orchestrator struct {
	plan      Plan
	deps      Deps
	observer  Observer
	logger    util.Logger
	stageHook StageHook
	now       func() time.Time
	newID     func() string

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	done      chan struct{}
	last      *CompositeReport
	lastHash  string
	cancelled atomic.Bool
}

func NewOrchestrator(plan Plan, deps Deps, observer Observer, logger util.Logger, opts ...Option) *Orchestrator {
	if observer == nil {
		observer = ObserverFuncs{}
	}
	if logger == nil {
		logger = util.NopLogger()
	}
	o := &Orchestrator{
		plan:     plan,
		deps:     deps,
		observer: observer,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastReport returns the report of the most recent finished run.
func (o *Orchestrator) LastReport() (CompositeReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return CompositeReport{}, false
	}
	return *o.last, true
}

// Start launches a run in the background. It returns false without side
// effects when a run is already in flight.
func (o *Orchestrator) Start(ctx context.Context) bool {
	runCtx, done, ok := o.acquire(ctx)
	if !ok {
		o.logger.Debug("start ignored, run in progress")
		return false
	}
	go func() {
		_, _ = o.execute(runCtx, done)
	}()
	return true
}

// Run executes a run synchronously. It returns ErrBusy when another run is
// in flight, ErrCancelled for a cancelled run and ErrTotalFailure when no
// stage produced usable data. The report is populated in every case but
// ErrBusy.
func (o *Orchestrator) Run(ctx context.Context) (CompositeReport, error) {
	runCtx, done, ok := o.acquire(ctx)
	if !ok {
		return CompositeReport{}, ErrBusy
	}
	return o.execute(runCtx, done)
}

// Cancel stops the in-flight run after the current probe returns. It
// reports whether a run was cancelled.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning || o.cancel == nil {
		return false
	}
	o.cancelled.Store(true)
	o.cancel()
	return true
}

// Reset returns a finished orchestrator to Idle and forgets the last report.
// It fails while a run is in flight.
func (o *Orchestrator) Reset() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateRunning {
		return false
	}
	o.state = StateIdle
	o.last = nil
	o.lastHash = ""
	o.cancelled.Store(false)
	return true
}

// Wait blocks until the in-flight run, if any, has finished.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (o *Orchestrator) acquire(ctx context.Context) (context.Context, chan struct{}, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateRunning {
		return nil, nil, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.state = StateRunning
	o.cancel = cancel
	o.done = make(chan struct{})
	o.cancelled.Store(false)
	return runCtx, o.done, true
}

// record stores the finished report so LastReport already returns it while
// observers are being notified; the run can no longer be cancelled. With
// dedup set it also marks the report Duplicate when its measured content
// matches the previous completed run.
func (o *Orchestrator) record(report *CompositeReport, dedup bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if dedup {
		hash := report.ContentHash()
		report.Duplicate = hash != "" && hash == o.lastHash
		o.lastHash = hash
	}
	stored := *report
	o.last = &stored
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

// release ends the run. It is called after the observers have returned, so
// a new run cannot start while callbacks of the previous one are in flight.
func (o *Orchestrator) release(state State) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
}

// run holds the accumulation buffers of a single run.
type run struct {
	o        *Orchestrator
	ctx      context.Context
	report   CompositeReport
	stages   []Stage
	index    int
	executed int
	failed   int
}

// execute closes done only after the observer has been notified, so Wait
// returning implies every callback for the run has fired.
func (o *Orchestrator) execute(ctx context.Context, done chan struct{}) (CompositeReport, error) {
	defer close(done)
	r := &run{
		o:   o,
		ctx: ctx,
		report: CompositeReport{
			RunID: o.newID(),
			Mode:  o.plan.Mode,
		},
		stages: o.plannedStages(),
	}
	o.logger.Info("test started", "run_id", r.report.RunID, "mode", o.plan.Mode, "stages", len(r.stages))

	for _, stage := range r.stages {
		if stage == StageScoring {
			break
		}
		if r.stopped() {
			return o.finishCancelled(r)
		}
		r.runStage(stage)
		r.index++
	}
	if r.stopped() {
		return o.finishCancelled(r)
	}

	r.progress(StageScoring, "Calculating quality score...", 0)
	r.report.Timestamp = o.now().UTC()
	if r.executed == 0 || r.failed == r.executed {
		failed := quality.Failed()
		r.report.Quality = &failed
		r.report.Speed = probe.SpeedSample{}
		r.report.BandwidthScore = 0
		o.record(&r.report, false)
		o.observer.OnError(totalFailureReason, r.report)
		o.release(StateFailed)
		return r.report, ErrTotalFailure
	}

	missing := quality.Unmeasured{
		Speed:   r.degraded(StageThroughput),
		Latency: r.degraded(StageJitter),
		Loss:    r.degraded(StagePacketLoss),
	}
	report := quality.ScoreWith(r.report.Speed, r.report.Jitter, r.report.PacketLoss, missing)
	r.report.Quality = &report
	if !missing.Speed {
		r.report.BandwidthScore = quality.BandwidthScore(r.report.Speed.DownloadMbps, r.report.Speed.UploadMbps)
	}
	r.progress(StageScoring, "Test complete", 100)

	o.record(&r.report, true)
	o.observer.OnComplete(r.report)
	o.release(StateCompleted)
	return r.report, nil
}

func (o *Orchestrator) finishCancelled(r *run) (CompositeReport, error) {
	r.report.Incomplete = true
	r.report.Timestamp = o.now().UTC()
	o.logger.Info("test cancelled", "run_id", r.report.RunID, "completed_stages", r.index)
	o.record(&r.report, false)
	o.observer.OnComplete(r.report)
	o.release(StateCompleted)
	return r.report, ErrCancelled
}

func (o *Orchestrator) plannedStages() []Stage {
	stages := make([]Stage, 0, 6)
	if o.plan.Stages.Context && o.deps.Context != nil {
		stages = append(stages, StageContext)
	}
	if o.plan.Stages.Throughput && o.deps.Throughput != nil {
		stages = append(stages, StageThroughput)
	}
	if o.plan.Stages.Jitter && o.deps.Latency != nil {
		stages = append(stages, StageJitter)
	}
	if o.plan.Stages.PacketLoss && o.deps.Loss != nil {
		stages = append(stages, StagePacketLoss)
	}
	if o.plan.Stages.Providers && !o.plan.quick() && o.deps.Providers != nil {
		stages = append(stages, StageProviders)
	}
	return append(stages, StageScoring)
}

func (r *run) degraded(stage Stage) bool {
	return slices.Contains(r.report.Degraded, stage)
}

func (r *run) stopped() bool {
	return r.o.cancelled.Load() || r.ctx.Err() != nil
}

// progress maps a stage-local percentage onto the whole run.
func (r *run) progress(stage Stage, message string, stagePercent float64) {
	weight := 100 / float64(len(r.stages))
	idx := r.index
	if stage == StageScoring {
		idx = len(r.stages) - 1
	}
	overall := float64(idx)*weight + util.ClampFloat(stagePercent, 0, 100)/100*weight
	r.o.observer.OnProgress(stage, message, overall)
}

func (r *run) probeProgress(stage Stage) probe.ProgressFunc {
	return func(_ string, percent float64, status string) {
		r.progress(stage, status, percent)
	}
}

func (r *run) runStage(stage Stage) {
	start := time.Now()
	err := r.dispatch(stage)
	elapsed := time.Since(start)
	if err != nil && r.stopped() {
		// Interrupted stages count as not run rather than degraded.
		return
	}
	r.executed++
	failed := err != nil
	if failed {
		r.failed++
		r.report.Degraded = append(r.report.Degraded, stage)
		r.o.logger.Warn("test stage degraded", "run_id", r.report.RunID, "stage", stage, "error", err)
	}
	if r.o.stageHook != nil {
		r.o.stageHook(stage, elapsed, failed)
	}
}

func (r *run) dispatch(stage Stage) error {
	plan := r.o.plan
	deps := r.o.deps
	switch stage {
	case StageContext:
		r.progress(stage, "Gathering connection information...", 0)
		info, err := deps.Context.Gather(r.ctx)
		r.report.Context = &info
		return err
	case StageThroughput:
		r.progress(stage, "Measuring download speed...", 0)
		sample, err := deps.Throughput.MeasureAny(r.ctx, plan.ThroughputSources, plan.CacheBust, r.probeProgress(stage))
		if err != nil {
			sample = deps.Throughput.Fallback()
		}
		r.report.Speed = sample
		return err
	case StageJitter:
		r.progress(stage, "Measuring latency and jitter...", 0)
		jitter, err := deps.Latency.SampleWithProgress(r.ctx, plan.LatencyEndpoints, plan.LatencySamples, r.probeProgress(stage))
		if err != nil {
			jitter = probe.JitterStats{}
		}
		r.report.Jitter = jitter
		return err
	case StagePacketLoss:
		r.progress(stage, "Estimating packet loss...", 0)
		loss, err := deps.Loss.EstimateLossWithProgress(r.ctx, plan.PacketTrials, r.probeProgress(stage))
		if err != nil {
			loss = probe.PacketTrialResult{LossRatePercent: 100}
		}
		r.report.PacketLoss = loss
		return err
	case StageProviders:
		return r.runProviders()
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
}

// runProviders probes each kind in battery order. The stage fails only when
// no provider of any kind answered.
func (r *run) runProviders() error {
	kinds := make([]probe.ProbeKind, 0, len(probe.Kinds))
	for _, kind := range probe.Kinds {
		if len(r.o.plan.Providers[kind]) > 0 {
			kinds = append(kinds, kind)
		}
	}
	if len(kinds) == 0 {
		return probe.ErrNoEndpoints
	}
	succeeded := 0
	for i, kind := range kinds {
		if r.stopped() {
			return ErrCancelled
		}
		r.progress(StageProviders, fmt.Sprintf("Testing %s providers...", kind), float64(i)/float64(len(kinds))*100)
		results := r.o.deps.Providers.ProbeAll(r.ctx, r.o.plan.Providers[kind], kind)
		for _, res := range results {
			if res.Status == probe.StatusSuccess {
				succeeded++
			}
		}
		r.report.Providers = append(r.report.Providers, results...)
	}
	r.progress(StageProviders, "Provider tests complete", 100)
	if succeeded == 0 {
		return fmt.Errorf("%w: no provider responded", probe.ErrProbeUnreachable)
	}
	return nil
}
