package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/netgrade/internal/config"
	"github.com/NodePath81/netgrade/internal/probe"
	"github.com/NodePath81/netgrade/internal/runner"
	"github.com/NodePath81/netgrade/internal/util"
)

type stubThroughput struct{}

func (stubThroughput) MeasureAny(context.Context, []string, bool, probe.ProgressFunc) (probe.SpeedSample, error) {
	return probe.SpeedSample{DownloadMbps: 120, UploadMbps: 60}, nil
}

func (stubThroughput) Fallback() probe.SpeedSample {
	return probe.SpeedSample{DownloadMbps: 50, UploadMbps: 25, Fallback: true}
}

type stubLatency struct{ err error }

func (s stubLatency) SampleWithProgress(context.Context, []string, int, probe.ProgressFunc) (probe.JitterStats, error) {
	return probe.JitterStats{AverageLatency: 20, Jitter: 2, SuccessRate: 100, Samples: 20}, s.err
}

func stubDeps() runner.Deps {
	return runner.Deps{Throughput: stubThroughput{}, Latency: stubLatency{}}
}

func quickConfig() config.Config {
	cfg := config.Default()
	cfg.Mode = config.ModeQuick
	return cfg
}

func TestNewRuntimeRequiresWork(t *testing.T) {
	_, err := NewRuntimeWithDeps(quickConfig(), stubDeps(), util.NopLogger(), nil)
	assert.ErrorIs(t, err, ErrNothingToRun)
}

func TestRuntimeRunsOnStart(t *testing.T) {
	cfg := quickConfig()
	on := true
	cfg.Schedule.RunOnStart = &on

	rt, err := NewRuntimeWithDeps(cfg, stubDeps(), util.NopLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	defer rt.Stop()

	require.Eventually(t, func() bool {
		_, ok := rt.Orchestrator().LastReport()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	rt.Orchestrator().Wait()

	report, _ := rt.Orchestrator().LastReport()
	require.NotNil(t, report.Quality)
	assert.Equal(t, config.ModeQuick, report.Mode)
	assert.Equal(t, 120.0, report.Speed.DownloadMbps)
	assert.Empty(t, report.Providers)
}

func TestRunOnce(t *testing.T) {
	var progress int
	obs := runner.ObserverFuncs{Progress: func(runner.Stage, string, float64) { progress++ }}
	report, err := RunOnce(context.Background(), quickConfig(), stubDeps(), obs, util.NopLogger())
	require.NoError(t, err)
	require.NotNil(t, report.Quality)
	assert.Positive(t, progress)
	assert.NotEmpty(t, report.RunID)
}

func TestRunOnceTotalFailure(t *testing.T) {
	deps := runner.Deps{Latency: stubLatency{err: errors.New("unreachable")}}
	report, err := RunOnce(context.Background(), quickConfig(), deps, nil, util.NopLogger())
	require.ErrorIs(t, err, runner.ErrTotalFailure)
	require.NotNil(t, report.Quality)
	assert.Equal(t, 0, report.Quality.Score)
}

func TestSupervisorStartRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: slow\n"), 0o600))
	sup := NewSupervisor(path, util.NopLogger())
	assert.Error(t, sup.Start())
	sup.Stop()
}

func TestSupervisorRestartKeepsRuntimeOnBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	write("mode: quick\nschedule:\n  interval: 1h\n")

	sup := NewSupervisor(path, util.NopLogger())
	require.NoError(t, sup.Start())
	defer sup.Stop()
	assert.True(t, sup.Active())
	assert.Equal(t, 1, sup.Generation())

	write("mode: slow\n")
	require.Error(t, sup.Restart())
	assert.True(t, sup.Active())
	assert.Equal(t, 1, sup.Generation())

	write("mode: full\nschedule:\n  interval: 2h\n")
	require.NoError(t, sup.Restart())
	assert.Equal(t, 2, sup.Generation())

	sup.Stop()
	assert.False(t, sup.Active())
}
