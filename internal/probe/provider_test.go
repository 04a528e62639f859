package probe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyTierBoundaries(t *testing.T) {
	cases := []struct {
		kind ProbeKind
		ms   float64
		want Tier
	}{
		{KindDNS, 50, TierExcellent},
		{KindDNS, 50.01, TierGood},
		{KindDNS, 100, TierGood},
		{KindDNS, 200, TierFair},
		{KindDNS, 201, TierPoor},
		{KindHTTP, 100, TierExcellent},
		{KindHTTP, 500, TierFair},
		{KindHTTP, 501, TierPoor},
		{KindHTTPS, 150, TierExcellent},
		{KindHTTPS, 300, TierGood},
		{KindHTTPS, 600, TierFair},
		{KindCDN, 200, TierExcellent},
		{KindCDN, 400, TierGood},
		{KindCDN, 800, TierFair},
		{KindCDN, 801, TierPoor},
		{ProbeKind("smtp"), 1, TierFailed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyTier(tc.kind, tc.ms), "%s %.2f", tc.kind, tc.ms)
	}
}

func TestProbeAllPreservesOrderAndIsolatesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/slow":
			time.Sleep(50 * time.Millisecond)
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	providers := []Provider{
		{Name: "slow", URL: srv.URL + "/slow"},
		{Name: "broken", URL: srv.URL + "/broken"},
		{Name: "fast", URL: srv.URL + "/fast"},
	}
	results := NewProviderProbe(ProviderConfig{}, srv.Client(), nil).ProbeAll(context.Background(), providers, KindHTTPS)
	require.Len(t, results, 3)

	for i, p := range providers {
		assert.Equal(t, p.Name, results[i].Provider)
		assert.Equal(t, KindHTTPS, results[i].Kind)
	}
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.GreaterOrEqual(t, results[0].ResponseTimeMs, 50.0)
	assert.Equal(t, StatusError, results[1].Status)
	assert.Equal(t, TierFailed, results[1].Tier)
	assert.NotEmpty(t, results[1].Error)
	assert.Equal(t, StatusSuccess, results[2].Status)
	assert.NotEqual(t, TierFailed, results[2].Tier)
}

func TestProbeAllBoundsConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := inflight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
	}))
	defer srv.Close()

	providers := make([]Provider, 8)
	for i := range providers {
		providers[i] = Provider{Name: string(rune('a' + i)), URL: srv.URL}
	}
	results := NewProviderProbe(ProviderConfig{Concurrency: 2}, srv.Client(), nil).ProbeAll(context.Background(), providers, KindCDN)
	require.Len(t, results, 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestProbeAllTimeoutMarksFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()
	results := NewProviderProbe(ProviderConfig{Timeout: 30 * time.Millisecond}, srv.Client(), nil).
		ProbeAll(context.Background(), []Provider{{Name: "hang", URL: srv.URL}}, KindHTTP)
	require.Len(t, results, 1)
	assert.Equal(t, TierFailed, results[0].Tier)
	assert.Contains(t, results[0].Error, ErrProbeTimeout.Error())
}

func TestProbeAllDNSOverHTTPS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/dns-json", r.Header.Get("Accept"))
		assert.Equal(t, "A", r.URL.Query().Get("type"))
		status := 0
		if r.URL.Path == "/nx" {
			status = 3
		}
		assert.Equal(t, "example.org", r.URL.Query().Get("name"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Status": status,
			"Answer": []map[string]any{{"name": "example.org.", "type": 1, "data": "93.184.216.34"}},
		})
	}))
	defer srv.Close()

	providers := []Provider{
		{Name: "ok", URL: srv.URL + "/resolve"},
		{Name: "nx", URL: srv.URL + "/nx"},
	}
	results := NewProviderProbe(ProviderConfig{QueryName: "example.org"}, srv.Client(), nil).ProbeAll(context.Background(), providers, KindDNS)
	require.Len(t, results, 2)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, StatusError, results[1].Status)
	assert.Contains(t, results[1].Error, "rcode 3")
}

func TestProbeAllUnknownKind(t *testing.T) {
	results := NewProviderProbe(ProviderConfig{}, nil, nil).ProbeAll(context.Background(), []Provider{{Name: "x", URL: "http://127.0.0.1:1"}}, ProbeKind("ftp"))
	require.Len(t, results, 1)
	assert.Equal(t, TierFailed, results[0].Tier)
	assert.Equal(t, StatusError, results[0].Status)
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind(" HTTPS ")
	require.NoError(t, err)
	assert.Equal(t, KindHTTPS, kind)
	_, err = ParseKind("smtp")
	require.ErrorIs(t, err, ErrInvalidKind)
}

func TestProviderProbeDefaults(t *testing.T) {
	p := NewProviderProbe(ProviderConfig{}, nil, nil)
	assert.Equal(t, 5*time.Second, p.cfg.Timeout)
	assert.Equal(t, DefaultProviderConcurrency, p.cfg.Concurrency)
}
