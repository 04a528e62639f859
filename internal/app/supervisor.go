package app

import (
	"fmt"
	"sync"

	"github.com/NodePath81/netgrade/internal/config"
	"github.com/NodePath81/netgrade/internal/runner"
	"github.com/NodePath81/netgrade/internal/util"
)

// Supervisor owns the live Runtime of the daemon. Restart rebuilds it from
// the config file, which is loaded and validated before the running runtime
// is touched: a broken file leaves the current daemon and its schedule in
// place.
type Supervisor struct {
	configPath string
	logger     util.Logger

	mu         sync.Mutex
	current    *Runtime
	generation int
}

func NewSupervisor(configPath string, logger util.Logger) *Supervisor {
	return &Supervisor{configPath: configPath, logger: logger}
}

func (s *Supervisor) Start() error {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launch(cfg)
}

// Restart swaps the runtime for one built from the current config file. A
// test run in flight is cancelled and reported as incomplete.
func (s *Supervisor) Restart() error {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		s.logger.Warn("reload rejected, keeping current runtime", "config", s.configPath, "error", err)
		return fmt.Errorf("reload %s: %w", s.configPath, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		if s.current.Orchestrator().State() == runner.StateRunning {
			s.logger.Info("reload interrupts running test")
		}
		s.current.Stop()
		s.current = nil
	}
	return s.launch(cfg)
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Stop()
		s.current = nil
	}
}

// Active reports whether a runtime is serving. It is false after Stop or
// after a restart whose new runtime failed to start.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Generation counts successful starts, including the initial one.
func (s *Supervisor) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// launch must be called with s.mu held. The restart callback handed to the
// control plane runs on its own goroutine, so it can take the lock.
func (s *Supervisor) launch(cfg config.Config) error {
	rt, err := NewRuntime(cfg, s.logger, s.Restart)
	if err != nil {
		return err
	}
	if err := rt.Start(); err != nil {
		rt.Stop()
		return err
	}
	s.current = rt
	s.generation++
	s.logger.Info("runtime started",
		"config", s.configPath,
		"generation", s.generation,
		"mode", cfg.Mode,
		"control", cfg.Control.IsEnabled(),
		"interval", cfg.Schedule.Interval.Duration(),
	)
	return nil
}
