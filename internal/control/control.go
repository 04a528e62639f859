package control

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NodePath81/netgrade/internal/config"
	"github.com/NodePath81/netgrade/internal/metrics"
	"github.com/NodePath81/netgrade/internal/runner"
	"github.com/NodePath81/netgrade/internal/sysinfo"
	"github.com/NodePath81/netgrade/internal/util"
	"github.com/NodePath81/netgrade/internal/version"
)

const (
	maxRPCBodyBytes   = 1 << 20
	rpcRatePerSecond  = 5
	rpcRateBurst      = 10
	wsTokenPrefix     = "netgrade-token."
	wsPrimaryProtocol = "netgrade"
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 30 * time.Second
)

// Runner is the part of runner.Orchestrator the control plane drives.
type Runner interface {
	Start(ctx context.Context) bool
	Cancel() bool
	Reset() bool
	State() runner.State
	LastReport() (runner.CompositeReport, bool)
}

type ControlServer struct {
	fullCfg   config.Config
	cfg       config.ControlConfig
	hostname  string
	runner    Runner
	metrics   *metrics.Metrics
	status    *RunStatus
	restartFn func() error
	logger    util.Logger
	server    *http.Server
	limiter   *rateLimiter

	ctxMu  sync.RWMutex
	runCtx context.Context
}

func NewControlServer(cfg config.Config, r Runner, metrics *metrics.Metrics, status *RunStatus, restartFn func() error, logger util.Logger) *ControlServer {
	return &ControlServer{
		fullCfg:   cfg,
		cfg:       cfg.Control,
		hostname:  cfg.Hostname,
		runner:    r,
		metrics:   metrics,
		status:    status,
		restartFn: restartFn,
		logger:    logger,
		limiter:   newRateLimiter(rpcRatePerSecond, rpcRateBurst, 5*time.Minute),
		runCtx:    context.Background(),
	}
}

func (c *ControlServer) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.cfg.Metrics.IsEnabled() && c.metrics != nil {
		mux.HandleFunc("/metrics", c.handleMetrics)
	}
	mux.HandleFunc("/rpc", c.handleRPC)
	mux.HandleFunc("/status", c.handleStatus)
	mux.HandleFunc("/identity", c.handleIdentity)
	return mux
}

// Start serves the control plane until ctx is done. Runs started over RPC
// are bound to ctx as well.
func (c *ControlServer) Start(ctx context.Context) error {
	c.ctxMu.Lock()
	c.runCtx = ctx
	c.ctxMu.Unlock()

	addr := util.NetJoin(c.cfg.BindAddr, c.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	c.server = &http.Server{
		Addr:              addr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("control server error", "error", err)
		}
	}()
	c.logger.Info("control server started", "addr", addr)
	return nil
}

func (c *ControlServer) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Ok     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

type startRunResult struct {
	Started bool   `json:"started"`
	State   string `json:"state"`
}

type cancelRunResult struct {
	Cancelled bool `json:"cancelled"`
}

type identityResponse struct {
	Hostname string   `json:"hostname"`
	IPs      []string `json:"ips"`
	Version  string   `json:"version"`
}

func (c *ControlServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !c.limiter.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if !c.authorized(r, false) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	switch req.Method {
	case "StartRun":
		c.ctxMu.RLock()
		ctx := c.runCtx
		c.ctxMu.RUnlock()
		started := c.runner.Start(ctx)
		if started {
			c.logger.Info("test run triggered", "source", "rpc")
		}
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: startRunResult{
			Started: started,
			State:   c.runner.State().String(),
		}})
	case "CancelRun":
		cancelled := c.runner.Cancel()
		if cancelled {
			c.logger.Info("test run cancelled", "source", "rpc")
		}
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: cancelRunResult{Cancelled: cancelled}})
	case "Reset":
		if !c.runner.Reset() {
			writeError(w, http.StatusConflict, "test run in progress")
			return
		}
		c.status.Clear()
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true})
	case "GetStatus":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.status.Snapshot(c.runner.State())})
	case "GetReport":
		report, ok := c.runner.LastReport()
		if !ok {
			writeError(w, http.StatusNotFound, "no report available")
			return
		}
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: report})
	case "GetRuntimeConfig":
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: c.getRuntimeConfig()})
	case "Restart":
		if c.restartFn == nil {
			writeError(w, http.StatusServiceUnavailable, "restart not supported")
			return
		}
		go func() {
			c.logger.Info("restart invoked")
			if err := c.restartFn(); err != nil {
				c.logger.Error("restart failed", "error", err)
			}
		}()
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true})
	default:
		writeError(w, http.StatusBadRequest, "unknown method")
	}
}

func (c *ControlServer) getRuntimeConfig() map[string]interface{} {
	cfg := c.fullCfg
	providers := func(list []config.ProviderConfig) []map[string]string {
		out := make([]map[string]string, 0, len(list))
		for _, p := range list {
			out = append(out, map[string]string{"name": p.Name, "url": p.URL})
		}
		return out
	}
	return map[string]interface{}{
		"hostname": cfg.Hostname,
		"mode":     cfg.Mode,
		"throughput": map[string]interface{}{
			"sources":    cfg.Throughput.Sources,
			"size_bytes": cfg.Throughput.SizeBytes,
			"cache_bust": cfg.Throughput.CacheBustEnabled(),
			"timeout":    cfg.Throughput.Timeout.Duration().String(),
			"upload_url": cfg.Throughput.UploadURL,
			"upload_ratio": map[string]interface{}{
				"min": cfg.Throughput.UploadRatio.Min,
				"max": cfg.Throughput.UploadRatio.Max,
			},
			"fallback": map[string]interface{}{
				"download_mbps": cfg.Throughput.Fallback.DownloadMbps,
				"upload_mbps":   cfg.Throughput.Fallback.UploadMbps,
			},
		},
		"latency": map[string]interface{}{
			"endpoints":        cfg.Latency.Endpoints,
			"samples":          cfg.LatencySamples(),
			"timeout":          cfg.Latency.Timeout.Duration().String(),
			"fallback_timeout": cfg.Latency.FallbackTimeout.Duration().String(),
		},
		"packet_loss": map[string]interface{}{
			"mode":   cfg.PacketLoss.Mode,
			"trials": cfg.PacketTrials(),
			"target": cfg.PacketLoss.Target,
		},
		"providers": map[string]interface{}{
			"dns":         providers(cfg.Providers.DNS),
			"http":        providers(cfg.Providers.HTTP),
			"https":       providers(cfg.Providers.HTTPS),
			"cdn":         providers(cfg.Providers.CDN),
			"concurrency": cfg.Providers.Concurrency,
			"timeout":     cfg.Providers.Timeout.Duration().String(),
		},
		"stages": map[string]interface{}{
			"context":     cfg.Stages.ContextEnabled(),
			"throughput":  cfg.Stages.ThroughputEnabled(),
			"jitter":      cfg.Stages.JitterEnabled(),
			"packet_loss": cfg.Stages.PacketLossEnabled(),
			"providers":   cfg.Stages.ProvidersEnabled() && !cfg.Quick(),
		},
		"control": map[string]interface{}{
			"bind_addr": cfg.Control.BindAddr,
			"bind_port": cfg.Control.BindPort,
			"metrics": map[string]interface{}{
				"enabled": cfg.Control.Metrics.IsEnabled(),
			},
		},
	}
}

func (c *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r, true) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  c.sameOrigin,
		Subprotocols: []string{wsPrimaryProtocol},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	session := newStatusSession(conn, c.status.hub, func() StatusSnapshot {
		return c.status.Snapshot(c.runner.State())
	})
	var greeting []statusMessage
	if report, ok := c.runner.LastReport(); ok {
		greeting = append(greeting, statusMessage{Type: "report", Report: &report})
	}
	session.serve(greeting...)
}

func (c *ControlServer) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r, false) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.TrimSpace(c.hostname)
	if name == "" {
		name, _ = os.Hostname()
	}
	resp := identityResponse{
		Hostname: name,
		IPs:      sysinfo.ActiveIPs(),
		Version:  version.Version,
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: resp})
}

func (c *ControlServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r, false) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c.metrics.Handler().ServeHTTP(w, r)
}

// authorized accepts a bearer header, and on the websocket endpoint also a
// token carried as a base64url subprotocol since browsers cannot set headers
// on an upgrade.
func (c *ControlServer) authorized(r *http.Request, allowSubprotocol bool) bool {
	token := bearerToken(r)
	if token == "" && allowSubprotocol {
		token = subprotocolToken(r)
	}
	return secureTokenEqual(token, c.cfg.AuthToken)
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || scheme != "Bearer" {
		return ""
	}
	return strings.TrimSpace(token)
}

func subprotocolToken(r *http.Request) string {
	for _, proto := range websocket.Subprotocols(r) {
		encoded, ok := strings.CutPrefix(proto, wsTokenPrefix)
		if !ok {
			continue
		}
		if decoded, err := base64.RawURLEncoding.DecodeString(encoded); err == nil && len(decoded) > 0 {
			return string(decoded)
		}
	}
	return ""
}

func secureTokenEqual(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeEq(int32(len(got)), int32(len(want))) == 1 &&
		subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// sameOrigin lets non-browser clients through and holds browsers to the
// host they connected to.
func (c *ControlServer) sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && strings.EqualFold(u.Host, r.Host)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, rpcResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// rateLimiter hands each remote address a token bucket holding up to burst
// RPCs, refilled at rate per second. Buckets idle for longer than ttl are
// swept on the next call.
type rateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rate      float64
	burst     float64
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

func newRateLimiter(rate float64, burst int, ttl time.Duration) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   float64(burst),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (b *bucket) take(now time.Time, rate, burst float64) bool {
	b.tokens = min(burst, b.tokens+now.Sub(b.seen).Seconds()*rate)
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (r *rateLimiter) Allow(addr string) bool {
	if addr == "" {
		return false
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastSweep) > r.ttl {
		r.sweep(now)
	}
	b, ok := r.buckets[addr]
	if !ok || now.Sub(b.seen) > r.ttl {
		b = &bucket{tokens: r.burst, seen: now}
		r.buckets[addr] = b
	}
	return b.take(now, r.rate, r.burst)
}

func (r *rateLimiter) sweep(now time.Time) {
	for addr, b := range r.buckets {
		if now.Sub(b.seen) > r.ttl {
			delete(r.buckets, addr)
		}
	}
	r.lastSweep = now
}

// clientIP keys the limiter by remote address without its port.
func clientIP(r *http.Request) string {
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap().String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
