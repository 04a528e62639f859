package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/NodePath81/netgrade/internal/config"
	"github.com/NodePath81/netgrade/internal/control"
	"github.com/NodePath81/netgrade/internal/metrics"
	"github.com/NodePath81/netgrade/internal/runner"
	"github.com/NodePath81/netgrade/internal/util"
	"github.com/NodePath81/netgrade/internal/version"
)

// ErrNothingToRun is returned for a daemon config that neither serves the
// control plane nor schedules runs.
var ErrNothingToRun = errors.New("nothing to run: enable control or set schedule.interval / schedule.run_on_start")

type Runtime struct {
	cfg          config.Config
	ctx          context.Context
	cancel       context.CancelFunc
	logger       util.Logger
	metrics      *metrics.Metrics
	status       *control.RunStatus
	control      *control.ControlServer
	orchestrator *runner.Orchestrator
	wg           sync.WaitGroup
}

func NewRuntime(cfg config.Config, logger util.Logger, restartFn func() error) (*Runtime, error) {
	return NewRuntimeWithDeps(cfg, runner.NewDeps(cfg, logger), logger, restartFn)
}

// NewRuntimeWithDeps builds a runtime around the given probes.
func NewRuntimeWithDeps(cfg config.Config, deps runner.Deps, logger util.Logger, restartFn func() error) (*Runtime, error) {
	if !cfg.Control.IsEnabled() && cfg.Schedule.Interval.Duration() <= 0 && !cfg.Schedule.RunOnStartEnabled() {
		return nil, ErrNothingToRun
	}
	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	observers := runner.MultiObserver{runner.NewLogObserver(logger)}
	var opts []runner.Option
	if cfg.Control.IsEnabled() {
		rt.status = control.NewRunStatus(control.NewStatusHub(ctx.Done()))
		observers = append(observers, rt.status)
		if cfg.Control.Metrics.IsEnabled() {
			rt.metrics = metrics.NewMetrics(version.Version)
			observers = append(observers, rt.metrics)
			opts = append(opts, runner.WithStageHook(rt.metrics.ObserveStage))
		}
	}
	rt.orchestrator = runner.NewOrchestrator(runner.PlanFromConfig(cfg), deps, observers, logger, opts...)
	if cfg.Control.IsEnabled() {
		rt.control = control.NewControlServer(cfg, rt.orchestrator, rt.metrics, rt.status, restartFn, logger)
	}
	return rt, nil
}

func (r *Runtime) Orchestrator() *runner.Orchestrator {
	return r.orchestrator
}

func (r *Runtime) Start() error {
	if r.control != nil {
		if err := r.control.Start(r.ctx); err != nil {
			r.cancel()
			return err
		}
	}
	r.startSchedule()
	return nil
}

func (r *Runtime) Stop() {
	r.cancel()
	r.orchestrator.Cancel()
	if r.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = r.control.Shutdown(ctx)
		cancel()
	}
	r.orchestrator.Wait()
	r.wg.Wait()
}

func (r *Runtime) startSchedule() {
	if r.cfg.Schedule.RunOnStartEnabled() {
		r.trigger("startup")
	}
	interval := r.cfg.Schedule.Interval.Duration()
	if interval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.trigger("schedule")
			}
		}
	}()
	r.logger.Info("scheduled runs enabled", "interval", interval)
}

func (r *Runtime) trigger(source string) {
	if r.orchestrator.Start(r.ctx) {
		r.logger.Info("test run triggered", "source", source)
		return
	}
	r.logger.Info("test run skipped, previous run in progress", "source", source)
}

// RunOnce executes a single run outside any daemon. Observer may be nil.
func RunOnce(ctx context.Context, cfg config.Config, deps runner.Deps, observer runner.Observer, logger util.Logger) (runner.CompositeReport, error) {
	observers := runner.MultiObserver{runner.NewLogObserver(logger)}
	if observer != nil {
		observers = append(observers, observer)
	}
	orch := runner.NewOrchestrator(runner.PlanFromConfig(cfg), deps, observers, logger)
	return orch.Run(ctx)
}
