package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/NodePath81/netgrade/internal/stats"
	"github.com/NodePath81/netgrade/internal/util"
)

const (
	DefaultProviderConcurrency = 4
	DefaultProviderTimeout     = 5 * time.Second
	DefaultDNSQueryName        = "google.com"

	maxProviderBody = 1 << 20
)

// tierThresholds holds the excellent, good and fair upper bounds in ms.
// Anything slower is poor.
var tierThresholds = map[ProbeKind][3]float64{
	KindDNS:   {50, 100, 200},
	KindHTTP:  {100, 200, 500},
	KindHTTPS: {150, 300, 600},
	KindCDN:   {200, 400, 800},
}

// ClassifyTier maps a successful response time to a tier for kind.
func ClassifyTier(kind ProbeKind, ms float64) Tier {
	bounds, ok := tierThresholds[kind]
	if !ok {
		return TierFailed
	}
	switch {
	case ms <= bounds[0]:
		return TierExcellent
	case ms <= bounds[1]:
		return TierGood
	case ms <= bounds[2]:
		return TierFair
	default:
		return TierPoor
	}
}

type ProviderConfig struct {
	Concurrency int
	Timeout     time.Duration
	// QueryName is the record looked up by DNS-over-HTTPS providers.
	QueryName string
}

// ProviderProbe runs reachability batteries with bounded fan-out.
type ProviderProbe struct {
	cfg    ProviderConfig
	client *http.Client
	logger util.Logger
}

func NewProviderProbe(cfg ProviderConfig, client *http.Client, logger util.Logger) *ProviderProbe {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultProviderConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProviderTimeout
	}
	if cfg.QueryName == "" {
		cfg.QueryName = DefaultDNSQueryName
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = util.NopLogger()
	}
	return &ProviderProbe{cfg: cfg, client: client, logger: logger}
}

// ProbeAll probes every provider and returns one result per provider in
// input order. A failing provider never aborts the others.
func (p *ProviderProbe) ProbeAll(ctx context.Context, providers []Provider, kind ProbeKind) []ProviderResult {
	if ctx == nil {
		ctx = context.Background()
	}
	results := make([]ProviderResult, len(providers))
	parsed, err := ParseKind(string(kind))
	if err != nil {
		for i, prov := range providers {
			results[i] = failedResult(prov, kind, ErrInvalidKind)
		}
		return results
	}
	kind = parsed

	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	for i, prov := range providers {
		wg.Add(1)
		go func(idx int, prov Provider) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[idx] = failedResult(prov, kind, classify(ctx.Err()))
				return
			}
			defer func() { <-sem }()
			results[idx] = p.probeOne(ctx, prov, kind)
		}(i, prov)
	}
	wg.Wait()
	return results
}

func (p *ProviderProbe) probeOne(ctx context.Context, prov Provider, kind ProbeKind) ProviderResult {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var (
		elapsed time.Duration
		err     error
	)
	if kind == KindDNS {
		elapsed, err = p.queryDoH(reqCtx, prov.URL)
	} else {
		elapsed, err = p.fetch(reqCtx, prov.URL)
	}
	if err != nil {
		err = classify(err)
		p.logger.Debug("provider probe failed", "provider", prov.Name, "kind", kind, "error", err)
		return failedResult(prov, kind, err)
	}
	ms := stats.Round2(float64(elapsed.Microseconds()) / 1000.0)
	return ProviderResult{
		Provider:       prov.Name,
		Kind:           kind,
		ResponseTimeMs: ms,
		Status:         StatusSuccess,
		Tier:           ClassifyTier(kind, ms),
	}
}

func failedResult(prov Provider, kind ProbeKind, err error) ProviderResult {
	return ProviderResult{
		Provider: prov.Name,
		Kind:     kind,
		Status:   StatusError,
		Tier:     TierFailed,
		Error:    err.Error(),
	}
}

func (p *ProviderProbe) fetch(ctx context.Context, target string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxProviderBody)); err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("http %d", resp.StatusCode)
	}
	return elapsed, nil
}

// dohResponse is the subset of the DNS JSON API answer format we inspect.
type dohResponse struct {
	Status int `json:"Status"`
	Answer []struct {
		Name string `json:"name"`
		Type int    `json:"type"`
		Data string `json:"data"`
	} `json:"Answer"`
}

// queryDoH performs an A lookup through a DNS-over-HTTPS JSON endpoint.
// The query name is added unless the URL already carries one.
func (p *ProviderProbe) queryDoH(ctx context.Context, endpoint string) (time.Duration, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return 0, err
	}
	q := parsed.Query()
	if q.Get("name") == "" {
		q.Set("name", p.cfg.QueryName)
	}
	if q.Get("type") == "" {
		q.Set("type", "A")
	}
	parsed.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/dns-json")
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("http %d", resp.StatusCode)
	}
	var answer dohResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProviderBody)).Decode(&answer); err != nil {
		return 0, fmt.Errorf("decode dns answer: %w", err)
	}
	elapsed := time.Since(start)
	if answer.Status != 0 {
		return 0, fmt.Errorf("dns rcode %d", answer.Status)
	}
	return elapsed, nil
}
