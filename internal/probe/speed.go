package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"time"

	"github.com/NodePath81/netgrade/internal/stats"
	"github.com/NodePath81/netgrade/internal/util"
)

const (
	PhaseDownload = "download"
	PhaseUpload   = "upload"

	DefaultFallbackDownloadMbps = 50
	DefaultFallbackUploadMbps   = 25
	DefaultUploadRatioMin       = 0.15
	DefaultUploadRatioMax       = 0.20

	readChunkSize = 32 * 1024
)

// Rand is the random source used by probes. *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

type SpeedConfig struct {
	// SizeBytes is sent as a Range hint and used to interpolate progress
	// when the server omits Content-Length.
	SizeBytes       int64
	Timeout         time.Duration
	UploadURL       string
	UploadSizeBytes int64
	RatioMin        float64
	RatioMax        float64
	FallbackDown    float64
	FallbackUp      float64
}

// SpeedProbe measures download throughput over HTTP. Upload is estimated from
// download by a ratio drawn once per run unless an upload URL is configured.
type SpeedProbe struct {
	cfg    SpeedConfig
	client *http.Client
	rng    Rand
	logger util.Logger
}

func NewSpeedProbe(cfg SpeedConfig, client *http.Client, rng Rand, logger util.Logger) *SpeedProbe {
	if client == nil {
		client = &http.Client{}
	}
	if rng == nil {
		rng = newRand(0)
	}
	if logger == nil {
		logger = util.NopLogger()
	}
	if cfg.RatioMin <= 0 {
		cfg.RatioMin = DefaultUploadRatioMin
	}
	if cfg.RatioMax < cfg.RatioMin {
		cfg.RatioMax = cfg.RatioMin
	}
	if cfg.FallbackDown <= 0 {
		cfg.FallbackDown = DefaultFallbackDownloadMbps
	}
	if cfg.FallbackUp <= 0 {
		cfg.FallbackUp = DefaultFallbackUploadMbps
	}
	return &SpeedProbe{cfg: cfg, client: client, rng: rng, logger: logger}
}

// Fallback returns the conservative sample used when no source is reachable.
func (p *SpeedProbe) Fallback() SpeedSample {
	return SpeedSample{
		DownloadMbps: p.cfg.FallbackDown,
		UploadMbps:   p.cfg.FallbackUp,
		Fallback:     true,
	}
}

// MeasureAny tries sources in order and returns the first successful sample.
// When every source fails it returns the fallback sample together with an
// error wrapping ErrProbeUnreachable.
func (p *SpeedProbe) MeasureAny(ctx context.Context, sources []string, cacheBust bool, progress ProgressFunc) (SpeedSample, error) {
	if len(sources) == 0 {
		return p.Fallback(), ErrNoEndpoints
	}
	var lastErr error
	for _, src := range sources {
		token := ""
		if cacheBust {
			token = strconv.FormatInt(time.Now().UnixNano(), 36)
		}
		sample, err := p.MeasureThroughput(ctx, src, token, progress)
		if err == nil {
			return sample, nil
		}
		lastErr = err
		p.logger.Warn("throughput source failed", "source", src, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return p.Fallback(), fmt.Errorf("%w: all %d throughput sources failed: %v", ErrProbeUnreachable, len(sources), lastErr)
}

// MeasureThroughput downloads sourceURL once. The clock starts at the first
// response byte and stops when the body is fully read.
func (p *SpeedProbe) MeasureThroughput(ctx context.Context, sourceURL, cacheBust string, progress ProgressFunc) (SpeedSample, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	target, err := withCacheBust(sourceURL, cacheBust)
	if err != nil {
		return SpeedSample{}, err
	}

	var firstByte time.Time
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() { firstByte = time.Now() },
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, target, nil)
	if err != nil {
		return SpeedSample{}, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	if p.cfg.SizeBytes > 0 {
		req.Header.Set("Range", "bytes=0-"+strconv.FormatInt(p.cfg.SizeBytes-1, 10))
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return SpeedSample{}, classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SpeedSample{}, fmt.Errorf("throughput source %s: http %d", sourceURL, resp.StatusCode)
	}

	total := resp.ContentLength
	estimated := total <= 0
	if estimated {
		total = p.cfg.SizeBytes
	}
	report := newProgressReporter(PhaseDownload, progress)
	buf := make([]byte, readChunkSize)
	var received int64
	for {
		n, readErr := resp.Body.Read(buf)
		received += int64(n)
		if n > 0 && total > 0 {
			pct := float64(received) / float64(total) * 100
			if estimated && pct > 99 {
				pct = 99
			}
			report.update(pct, "downloading")
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return SpeedSample{}, classify(readErr)
		}
	}
	end := time.Now()
	if received == 0 {
		return SpeedSample{}, fmt.Errorf("throughput source %s: empty body", sourceURL)
	}
	if firstByte.IsZero() {
		firstByte = start
	}
	elapsed := end.Sub(firstByte)
	if elapsed <= 0 {
		elapsed = end.Sub(start)
	}
	if elapsed <= 0 {
		elapsed = time.Microsecond
	}
	report.update(100, "download complete")

	download := mbps(received, elapsed)
	sample := SpeedSample{
		DownloadMbps: stats.Round2(download),
		Source:       sourceURL,
		Bytes:        received,
		DurationMs:   stats.Round2(float64(elapsed.Microseconds()) / 1000),
	}
	sample.UploadMbps, sample.UploadMeasured = p.upload(ctx, download, progress)
	return sample, nil
}

func (p *SpeedProbe) upload(ctx context.Context, download float64, progress ProgressFunc) (float64, bool) {
	if p.cfg.UploadURL != "" && p.cfg.UploadSizeBytes > 0 {
		up, err := p.measureUpload(ctx, progress)
		if err == nil {
			return stats.Round2(up), true
		}
		p.logger.Warn("upload measurement failed, estimating from download", "url", p.cfg.UploadURL, "error", err)
	}
	ratio := p.cfg.RatioMin + p.rng.Float64()*(p.cfg.RatioMax-p.cfg.RatioMin)
	return stats.Round2(download * ratio), false
}

func (p *SpeedProbe) measureUpload(ctx context.Context, progress ProgressFunc) (float64, error) {
	payload := make([]byte, p.cfg.UploadSizeBytes)
	for i := range payload {
		payload[i] = byte(p.rng.Float64() * 256)
	}
	report := newProgressReporter(PhaseUpload, progress)
	report.update(0, "uploading")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.UploadURL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, classify(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	elapsed := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("upload endpoint: http %d", resp.StatusCode)
	}
	if elapsed <= 0 {
		return 0, errors.New("upload finished in zero time")
	}
	report.update(100, "upload complete")
	return mbps(int64(len(payload)), elapsed), nil
}

func mbps(n int64, elapsed time.Duration) float64 {
	return float64(n) * 8 / 1e6 / elapsed.Seconds()
}

func withCacheBust(raw, token string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid source url %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("invalid source url %q: scheme must be http or https", raw)
	}
	if token == "" {
		return parsed.String(), nil
	}
	q := parsed.Query()
	q.Set("nocache", token)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// progressReporter forwards whole-percent increases only.
type progressReporter struct {
	phase string
	fn    ProgressFunc
	last  int
}

func newProgressReporter(phase string, fn ProgressFunc) *progressReporter {
	return &progressReporter{phase: phase, fn: fn, last: -1}
}

func (r *progressReporter) update(pct float64, status string) {
	if r.fn == nil {
		return
	}
	pct = util.ClampFloat(pct, 0, 100)
	if int(pct) <= r.last {
		return
	}
	r.last = int(pct)
	r.fn(r.phase, pct, status)
}
