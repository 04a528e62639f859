package probe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloadServer(t *testing.T, size int, withLength bool) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var lastReq atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastReq.Store(r.Clone(context.Background()))
		if withLength {
			w.Header().Set("Content-Length", strconv.Itoa(size))
		}
		buf := make([]byte, 4096)
		for sent := 0; sent < size; {
			n := len(buf)
			if size-sent < n {
				n = size - sent
			}
			_, _ = w.Write(buf[:n])
			if f, ok := w.(http.Flusher); ok && !withLength {
				f.Flush()
			}
			sent += n
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &lastReq
}

func TestMeasureThroughputDerivesUploadFromDownload(t *testing.T) {
	srv, lastReq := payloadServer(t, 1<<20, true)
	probe := NewSpeedProbe(SpeedConfig{SizeBytes: 1 << 20}, srv.Client(), fixedRand(0.5), nil)

	var percents []float64
	sample, err := probe.MeasureThroughput(context.Background(), srv.URL+"/blob", "abc", func(phase string, pct float64, _ string) {
		assert.Equal(t, PhaseDownload, phase)
		percents = append(percents, pct)
	})
	require.NoError(t, err)

	assert.Greater(t, sample.DownloadMbps, 0.0)
	assert.EqualValues(t, 1<<20, sample.Bytes)
	assert.False(t, sample.UploadMeasured)
	assert.False(t, sample.Fallback)
	// ratio = 0.15 + 0.5*(0.20-0.15)
	assert.InDelta(t, sample.DownloadMbps*0.175, sample.UploadMbps, 0.01)

	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.Greater(t, percents[i], percents[i-1])
	}
	assert.Equal(t, 100.0, percents[len(percents)-1])

	req := lastReq.Load().(*http.Request)
	assert.Equal(t, "abc", req.URL.Query().Get("nocache"))
	assert.Equal(t, "no-cache", req.Header.Get("Cache-Control"))
	assert.Equal(t, "bytes=0-1048575", req.Header.Get("Range"))
}

func TestMeasureThroughputUploadRatioBounds(t *testing.T) {
	srv, _ := payloadServer(t, 256<<10, true)
	for _, draw := range []float64{0, 0.999999} {
		probe := NewSpeedProbe(SpeedConfig{}, srv.Client(), fixedRand(draw), nil)
		sample, err := probe.MeasureThroughput(context.Background(), srv.URL, "", nil)
		require.NoError(t, err)
		ratio := 0.15 + draw*0.05
		assert.InDelta(t, sample.DownloadMbps*ratio, sample.UploadMbps, 0.01)
	}
}

func TestMeasureThroughputWithoutContentLength(t *testing.T) {
	srv, _ := payloadServer(t, 200<<10, false)
	probe := NewSpeedProbe(SpeedConfig{SizeBytes: 100 << 10}, srv.Client(), fixedRand(0), nil)
	var last float64
	_, err := probe.MeasureThroughput(context.Background(), srv.URL, "", func(_ string, pct float64, _ string) {
		last = pct
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, last)
}

func TestMeasureThroughputRejectsErrorsAndEmptyBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/empty" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	probe := NewSpeedProbe(SpeedConfig{}, srv.Client(), fixedRand(0), nil)

	_, err := probe.MeasureThroughput(context.Background(), srv.URL+"/fail", "", nil)
	assert.Error(t, err)
	_, err = probe.MeasureThroughput(context.Background(), srv.URL+"/empty", "", nil)
	assert.Error(t, err)
	_, err = probe.MeasureThroughput(context.Background(), "ftp://example.com/file", "", nil)
	assert.Error(t, err)
}

func TestMeasureAnyFallsBackToConstants(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	probe := NewSpeedProbe(SpeedConfig{}, srv.Client(), fixedRand(0), nil)

	sample, err := probe.MeasureAny(context.Background(), []string{srv.URL + "/a", srv.URL + "/b"}, true, nil)
	require.ErrorIs(t, err, ErrProbeUnreachable)
	assert.True(t, sample.Fallback)
	assert.Equal(t, 50.0, sample.DownloadMbps)
	assert.Equal(t, 25.0, sample.UploadMbps)
}

func TestMeasureAnyUsesNextSource(t *testing.T) {
	good, _ := payloadServer(t, 64<<10, true)
	bad := httptest.NewServer(http.NotFoundHandler())
	defer bad.Close()
	probe := NewSpeedProbe(SpeedConfig{}, nil, fixedRand(0), nil)

	sample, err := probe.MeasureAny(context.Background(), []string{bad.URL, good.URL}, false, nil)
	require.NoError(t, err)
	assert.Equal(t, good.URL, sample.Source)
	assert.False(t, sample.Fallback)
}

func TestMeasureThroughputMeasuresUploadWhenConfigured(t *testing.T) {
	down, _ := payloadServer(t, 64<<10, true)
	var uploaded atomic.Int64
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		uploaded.Store(n)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer up.Close()

	probe := NewSpeedProbe(SpeedConfig{UploadURL: up.URL, UploadSizeBytes: 32 << 10}, nil, fixedRand(0.3), nil)
	sample, err := probe.MeasureThroughput(context.Background(), down.URL, "", nil)
	require.NoError(t, err)
	assert.True(t, sample.UploadMeasured)
	assert.EqualValues(t, 32<<10, uploaded.Load())
	assert.Greater(t, sample.UploadMbps, 0.0)
}

func TestUploadFailureFallsBackToEstimate(t *testing.T) {
	down, _ := payloadServer(t, 64<<10, true)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer up.Close()

	probe := NewSpeedProbe(SpeedConfig{UploadURL: up.URL, UploadSizeBytes: 1024}, nil, fixedRand(0), nil)
	sample, err := probe.MeasureThroughput(context.Background(), down.URL, "", nil)
	require.NoError(t, err)
	assert.False(t, sample.UploadMeasured)
	assert.InDelta(t, sample.DownloadMbps*0.15, sample.UploadMbps, 0.01)
}
