package sysinfo

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIPBody(t *testing.T) {
	cases := map[string]string{
		`{"ip":"203.0.113.7"}`:                    "203.0.113.7",
		`{"origin":"198.51.100.2, 10.0.0.1"}`:     "198.51.100.2",
		"2001:db8::1\n":                           "2001:db8::1",
		`{"ip":"2001:db8::2","origin":"ignored"}`: "2001:db8::2",
	}
	for body, want := range cases {
		got, err := parseIPBody([]byte(body))
		require.NoError(t, err, body)
		assert.Equal(t, want, got)
	}
	_, err := parseIPBody([]byte(`{"ip":"not-an-ip"}`))
	assert.Error(t, err)
	_, err = parseIPBody([]byte(`<html>`))
	assert.Error(t, err)
}

func TestPublicIPFallsThroughServices(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer broken.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"origin":"192.0.2.10"}`))
	}))
	defer good.Close()

	g := NewGatherer(Config{IPServices: []string{broken.URL, good.URL}}, nil, nil)
	ip, svc, err := g.PublicIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", ip)
	assert.Equal(t, good.URL, svc)
}

func TestPublicIPAllFail(t *testing.T) {
	broken := httptest.NewServer(http.NotFoundHandler())
	defer broken.Close()
	g := NewGatherer(Config{IPServices: []string{broken.URL}}, nil, nil)
	_, _, err := g.PublicIP(context.Background())
	require.ErrorIs(t, err, ErrNoPublicIP)

	_, _, err = NewGatherer(Config{}, nil, nil).PublicIP(context.Background())
	require.ErrorIs(t, err, ErrNoPublicIP)
}

func TestGatherKeepsHostDetailsOnFailure(t *testing.T) {
	info, err := NewGatherer(Config{}, nil, nil).Gather(context.Background())
	require.ErrorIs(t, err, ErrNoPublicIP)
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, runtime.GOARCH, info.Arch)
	assert.Empty(t, info.PublicIP)
}

func TestGatherSkipsMissingGeoDB(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"192.0.2.44"}`))
	}))
	defer srv.Close()
	cfg := Config{IPServices: []string{srv.URL}, GeoIPDB: filepath.Join(t.TempDir(), "missing.mmdb")}
	info, err := NewGatherer(cfg, nil, nil).Gather(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.44", info.PublicIP)
	assert.Nil(t, info.Geo)
}

func TestLookupGeoErrors(t *testing.T) {
	_, err := LookupGeo("unused.mmdb", nil)
	assert.Error(t, err)
	_, err = LookupGeo(filepath.Join(t.TempDir(), "missing.mmdb"), net.ParseIP("192.0.2.1"))
	assert.Error(t, err)
}

func TestEgressCandidatesKeepRoutableUnicast(t *testing.T) {
	list := []net.Addr{
		&net.IPAddr{IP: net.ParseIP("2001:db8::5")},
		&net.IPNet{IP: net.ParseIP("10.1.2.3"), Mask: net.CIDRMask(24, 32)},
		&net.IPAddr{IP: net.ParseIP("::1")},
		&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
		&net.IPNet{IP: net.ParseIP("169.254.7.7"), Mask: net.CIDRMask(16, 32)},
		&net.IPAddr{IP: net.ParseIP("224.0.0.1")},
		&net.IPAddr{IP: net.ParseIP("0.0.0.0")},
		&net.IPNet{},
		&net.TCPAddr{IP: net.ParseIP("192.0.2.9")},
	}
	assert.Equal(t, []string{"10.1.2.3", "2001:db8::5"}, formatAddrs(egressCandidates(list)))
}
