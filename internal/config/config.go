package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/NodePath81/netgrade/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	ModeQuick = "quick"
	ModeFull  = "full"

	PacketLossSimulated = "simulated"
	PacketLossICMP      = "icmp"

	defaultMode = ModeFull

	defaultThroughputSource     = "https://speed.cloudflare.com/__down?bytes=20971520"
	defaultThroughputSize       = "20mb"
	defaultThroughputTimeout    = 30 * time.Second
	defaultThroughputCacheBust  = true
	defaultUploadSize           = "5mb"
	defaultFallbackDownloadMbps = 50
	defaultFallbackUploadMbps   = 25
	defaultUploadRatioMin       = 0.15
	defaultUploadRatioMax       = 0.20

	defaultLatencySamples      = 50
	defaultLatencyQuickSamples = 20
	defaultLatencyTimeout      = 5 * time.Second
	defaultLatencyFallback     = 3 * time.Second
	defaultLatencyDelayMin     = 100 * time.Millisecond
	defaultLatencyDelayMax     = 300 * time.Millisecond

	defaultPacketLossMode        = PacketLossSimulated
	defaultPacketLossTrials      = 100
	defaultPacketLossQuickTrials = 50
	defaultPacketLossTimeout     = time.Second

	defaultProviderConcurrency = 4
	defaultProviderTimeout     = 5 * time.Second
	defaultProviderDomain      = "google.com"

	defaultContextTimeout = 5 * time.Second

	defaultStageEnabled = true

	defaultControlEnabled        = false
	defaultControlAddr           = "127.0.0.1"
	defaultControlPort           = 8080
	defaultControlMetricsEnabled = true

	defaultRunOnStart   = false
	minScheduleInterval = time.Minute

	defaultLogLevel  = "info"
	defaultLogFormat = "text"

	EnvConfigPath = "NETGRADE_CONFIG"
	EnvAuthToken  = "NETGRADE_AUTH_TOKEN"
)

var (
	defaultLatencyEndpoints = []string{
		"https://httpbin.org/delay/0.1",
		"https://httpbin.org/status/200",
		"https://jsonplaceholder.typicode.com/posts/1",
		"https://api.github.com/zen",
	}
	defaultIPServices = []string{
		"https://api.ipify.org?format=json",
		"https://api64.ipify.org?format=json",
		"https://httpbin.org/ip",
	}
	defaultDNSProviders = []ProviderConfig{
		{Name: "Cloudflare", URL: "https://cloudflare-dns.com/dns-query"},
		{Name: "Google", URL: "https://dns.google/resolve"},
	}
	defaultHTTPProviders = []ProviderConfig{
		{Name: "httpbin", URL: "http://httpbin.org/get"},
	}
	defaultHTTPSProviders = []ProviderConfig{
		{Name: "httpbin", URL: "https://httpbin.org/get"},
	}
	defaultCDNProviders = []ProviderConfig{
		{Name: "jsDelivr", URL: "https://cdn.jsdelivr.net/npm/react@latest/package.json"},
	}
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Hostname   string           `yaml:"hostname"`
	Mode       string           `yaml:"mode"`
	Throughput ThroughputConfig `yaml:"throughput"`
	Latency    LatencyConfig    `yaml:"latency"`
	PacketLoss PacketLossConfig `yaml:"packet_loss"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Context    ContextConfig    `yaml:"context"`
	Stages     StagesConfig     `yaml:"stages"`
	Control    ControlConfig    `yaml:"control"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Log        LogConfig        `yaml:"log"`
}

type ThroughputConfig struct {
	Sources     []string          `yaml:"sources"`
	Size        string            `yaml:"size"`
	CacheBust   *bool             `yaml:"cache_bust"`
	Timeout     Duration          `yaml:"timeout"`
	UploadURL   string            `yaml:"upload_url"`
	UploadSize  string            `yaml:"upload_size"`
	UploadRatio UploadRatioConfig `yaml:"upload_ratio"`
	Fallback    FallbackConfig    `yaml:"fallback"`

	SizeBytes       int64 `yaml:"-"`
	UploadSizeBytes int64 `yaml:"-"`
}

type UploadRatioConfig struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

type FallbackConfig struct {
	DownloadMbps float64 `yaml:"download_mbps"`
	UploadMbps   float64 `yaml:"upload_mbps"`
}

type LatencyConfig struct {
	Endpoints       []string    `yaml:"endpoints"`
	Samples         int         `yaml:"samples"`
	QuickSamples    int         `yaml:"quick_samples"`
	Timeout         Duration    `yaml:"timeout"`
	FallbackTimeout Duration    `yaml:"fallback_timeout"`
	Delay           DelayConfig `yaml:"delay"`
}

type DelayConfig struct {
	Min Duration `yaml:"min"`
	Max Duration `yaml:"max"`
}

type PacketLossConfig struct {
	Mode        string   `yaml:"mode"`
	Trials      int      `yaml:"trials"`
	QuickTrials int      `yaml:"quick_trials"`
	Target      string   `yaml:"target"`
	Seed        int64    `yaml:"seed"`
	Timeout     Duration `yaml:"timeout"`
}

type ProvidersConfig struct {
	DNS         []ProviderConfig `yaml:"dns"`
	HTTP        []ProviderConfig `yaml:"http"`
	HTTPS       []ProviderConfig `yaml:"https"`
	CDN         []ProviderConfig `yaml:"cdn"`
	Concurrency int              `yaml:"concurrency"`
	Timeout     Duration         `yaml:"timeout"`
	Domain      string           `yaml:"domain"`
}

type ProviderConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type ContextConfig struct {
	IPServices []string `yaml:"ip_services"`
	GeoIPDB    string   `yaml:"geoip_db"`
	Timeout    Duration `yaml:"timeout"`
}

type StagesConfig struct {
	Context    *bool `yaml:"context"`
	Throughput *bool `yaml:"throughput"`
	Jitter     *bool `yaml:"jitter"`
	PacketLoss *bool `yaml:"packet_loss"`
	Providers  *bool `yaml:"providers"`
}

type ControlConfig struct {
	Enabled   *bool                `yaml:"enabled"`
	BindAddr  string               `yaml:"bind_addr"`
	BindPort  int                  `yaml:"bind_port"`
	AuthToken string               `yaml:"auth_token"`
	Metrics   ControlMetricsConfig `yaml:"metrics"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// ScheduleConfig drives unattended runs in daemon mode. A zero Interval
// disables periodic runs.
type ScheduleConfig struct {
	RunOnStart *bool    `yaml:"run_on_start"`
	Interval   Duration `yaml:"interval"`
}

func (s ScheduleConfig) RunOnStartEnabled() bool {
	return util.BoolValue(s.RunOnStart, defaultRunOnStart)
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c ControlConfig) IsEnabled() bool {
	return util.BoolValue(c.Enabled, defaultControlEnabled)
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultControlMetricsEnabled)
}

func (t ThroughputConfig) CacheBustEnabled() bool {
	return util.BoolValue(t.CacheBust, defaultThroughputCacheBust)
}

func (s StagesConfig) ContextEnabled() bool    { return util.BoolValue(s.Context, defaultStageEnabled) }
func (s StagesConfig) ThroughputEnabled() bool { return util.BoolValue(s.Throughput, defaultStageEnabled) }
func (s StagesConfig) JitterEnabled() bool     { return util.BoolValue(s.Jitter, defaultStageEnabled) }
func (s StagesConfig) PacketLossEnabled() bool { return util.BoolValue(s.PacketLoss, defaultStageEnabled) }
func (s StagesConfig) ProvidersEnabled() bool  { return util.BoolValue(s.Providers, defaultStageEnabled) }

// Quick reports whether the reduced stage set should run.
func (c Config) Quick() bool {
	return c.Mode == ModeQuick
}

// LatencySamples returns the sample count for the configured mode.
func (c Config) LatencySamples() int {
	if c.Quick() {
		return c.Latency.QuickSamples
	}
	return c.Latency.Samples
}

// PacketTrials returns the trial count for the configured mode.
func (c Config) PacketTrials() int {
	if c.Quick() {
		return c.PacketLoss.QuickTrials
	}
	return c.PacketLoss.Trials
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(raw)
}

// ParseConfig decodes raw YAML, applies defaults and environment overrides,
// and validates the result.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyEnv()
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a validated configuration built purely from defaults.
func Default() Config {
	var cfg Config
	cfg.applyEnv()
	cfg.setDefaults()
	_ = cfg.normalizeSizes()
	return cfg
}

func (c *Config) applyEnv() {
	if token := strings.TrimSpace(os.Getenv(EnvAuthToken)); token != "" {
		c.Control.AuthToken = token
	}
}

func (c *Config) setDefaults() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		c.Mode = defaultMode
	}

	if len(c.Throughput.Sources) == 0 {
		c.Throughput.Sources = []string{defaultThroughputSource}
	}
	if c.Throughput.Size == "" {
		c.Throughput.Size = defaultThroughputSize
	}
	if c.Throughput.CacheBust == nil {
		val := defaultThroughputCacheBust
		c.Throughput.CacheBust = &val
	}
	if c.Throughput.Timeout == 0 {
		c.Throughput.Timeout = Duration(defaultThroughputTimeout)
	}
	if c.Throughput.UploadSize == "" {
		c.Throughput.UploadSize = defaultUploadSize
	}
	if c.Throughput.UploadRatio.Min == 0 {
		c.Throughput.UploadRatio.Min = defaultUploadRatioMin
	}
	if c.Throughput.UploadRatio.Max == 0 {
		c.Throughput.UploadRatio.Max = defaultUploadRatioMax
	}
	if c.Throughput.Fallback.DownloadMbps == 0 {
		c.Throughput.Fallback.DownloadMbps = defaultFallbackDownloadMbps
	}
	if c.Throughput.Fallback.UploadMbps == 0 {
		c.Throughput.Fallback.UploadMbps = defaultFallbackUploadMbps
	}

	if len(c.Latency.Endpoints) == 0 {
		c.Latency.Endpoints = append([]string(nil), defaultLatencyEndpoints...)
	}
	if c.Latency.Samples == 0 {
		c.Latency.Samples = defaultLatencySamples
	}
	if c.Latency.QuickSamples == 0 {
		c.Latency.QuickSamples = defaultLatencyQuickSamples
	}
	if c.Latency.Timeout == 0 {
		c.Latency.Timeout = Duration(defaultLatencyTimeout)
	}
	if c.Latency.FallbackTimeout == 0 {
		c.Latency.FallbackTimeout = Duration(defaultLatencyFallback)
	}
	if c.Latency.Delay.Min == 0 && c.Latency.Delay.Max == 0 {
		c.Latency.Delay.Min = Duration(defaultLatencyDelayMin)
		c.Latency.Delay.Max = Duration(defaultLatencyDelayMax)
	}

	c.PacketLoss.Mode = strings.ToLower(strings.TrimSpace(c.PacketLoss.Mode))
	if c.PacketLoss.Mode == "" {
		c.PacketLoss.Mode = defaultPacketLossMode
	}
	if c.PacketLoss.Trials == 0 {
		c.PacketLoss.Trials = defaultPacketLossTrials
	}
	if c.PacketLoss.QuickTrials == 0 {
		c.PacketLoss.QuickTrials = defaultPacketLossQuickTrials
	}
	if c.PacketLoss.Timeout == 0 {
		c.PacketLoss.Timeout = Duration(defaultPacketLossTimeout)
	}

	if len(c.Providers.DNS) == 0 {
		c.Providers.DNS = append([]ProviderConfig(nil), defaultDNSProviders...)
	}
	if len(c.Providers.HTTP) == 0 {
		c.Providers.HTTP = append([]ProviderConfig(nil), defaultHTTPProviders...)
	}
	if len(c.Providers.HTTPS) == 0 {
		c.Providers.HTTPS = append([]ProviderConfig(nil), defaultHTTPSProviders...)
	}
	if len(c.Providers.CDN) == 0 {
		c.Providers.CDN = append([]ProviderConfig(nil), defaultCDNProviders...)
	}
	if c.Providers.Concurrency == 0 {
		c.Providers.Concurrency = defaultProviderConcurrency
	}
	if c.Providers.Timeout == 0 {
		c.Providers.Timeout = Duration(defaultProviderTimeout)
	}
	if c.Providers.Domain == "" {
		c.Providers.Domain = defaultProviderDomain
	}

	if len(c.Context.IPServices) == 0 {
		c.Context.IPServices = append([]string(nil), defaultIPServices...)
	}
	if c.Context.Timeout == 0 {
		c.Context.Timeout = Duration(defaultContextTimeout)
	}

	if c.Control.Enabled == nil {
		val := defaultControlEnabled
		c.Control.Enabled = &val
	}
	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
	if c.Control.BindPort == 0 {
		c.Control.BindPort = defaultControlPort
	}
	if c.Control.Metrics.Enabled == nil {
		val := defaultControlMetricsEnabled
		c.Control.Metrics.Enabled = &val
	}

	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
}

func (c *Config) normalizeSizes() error {
	size, err := ParseSize(c.Throughput.Size)
	if err != nil {
		return fmt.Errorf("throughput.size: %w", err)
	}
	c.Throughput.SizeBytes = size
	upload, err := ParseSize(c.Throughput.UploadSize)
	if err != nil {
		return fmt.Errorf("throughput.upload_size: %w", err)
	}
	c.Throughput.UploadSizeBytes = upload
	return nil
}

func (c *Config) validate() error {
	if c.Mode != ModeQuick && c.Mode != ModeFull {
		return fmt.Errorf("mode must be %s or %s", ModeQuick, ModeFull)
	}

	for i, src := range c.Throughput.Sources {
		if err := validateURL(src, "http", "https"); err != nil {
			return fmt.Errorf("throughput.sources[%d]: %w", i, err)
		}
	}
	if c.Throughput.UploadURL != "" {
		if err := validateURL(c.Throughput.UploadURL, "http", "https"); err != nil {
			return fmt.Errorf("throughput.upload_url: %w", err)
		}
	}
	if err := c.normalizeSizes(); err != nil {
		return err
	}
	if c.Throughput.SizeBytes <= 0 {
		return errors.New("throughput.size must be > 0")
	}
	if c.Throughput.Timeout.Duration() <= 0 {
		return errors.New("throughput.timeout must be > 0")
	}
	ratio := c.Throughput.UploadRatio
	if ratio.Min <= 0 || ratio.Max > 1 || ratio.Max < ratio.Min {
		return errors.New("throughput.upload_ratio must satisfy 0 < min <= max <= 1")
	}
	if c.Throughput.Fallback.DownloadMbps < 0 || c.Throughput.Fallback.UploadMbps < 0 {
		return errors.New("throughput.fallback speeds must be >= 0")
	}

	for i, ep := range c.Latency.Endpoints {
		if err := validateURL(ep, "http", "https", "icmp", "tcp"); err != nil {
			return fmt.Errorf("latency.endpoints[%d]: %w", i, err)
		}
	}
	if c.Latency.Samples <= 0 || c.Latency.QuickSamples <= 0 {
		return errors.New("latency.samples and latency.quick_samples must be > 0")
	}
	if c.Latency.Timeout.Duration() <= 0 || c.Latency.FallbackTimeout.Duration() <= 0 {
		return errors.New("latency.timeout and latency.fallback_timeout must be > 0")
	}
	if c.Latency.Delay.Min.Duration() < 0 || c.Latency.Delay.Max.Duration() < c.Latency.Delay.Min.Duration() {
		return errors.New("latency.delay must satisfy 0 <= min <= max")
	}

	switch c.PacketLoss.Mode {
	case PacketLossSimulated:
	case PacketLossICMP:
		if strings.TrimSpace(c.PacketLoss.Target) == "" {
			return errors.New("packet_loss.target is required when packet_loss.mode is icmp")
		}
	default:
		return fmt.Errorf("packet_loss.mode must be %s or %s", PacketLossSimulated, PacketLossICMP)
	}
	if c.PacketLoss.Trials < 0 || c.PacketLoss.QuickTrials < 0 {
		return errors.New("packet_loss.trials must be >= 0")
	}
	if c.PacketLoss.Timeout.Duration() <= 0 {
		return errors.New("packet_loss.timeout must be > 0")
	}

	groups := []struct {
		name string
		list []ProviderConfig
	}{
		{"dns", c.Providers.DNS},
		{"http", c.Providers.HTTP},
		{"https", c.Providers.HTTPS},
		{"cdn", c.Providers.CDN},
	}
	for _, g := range groups {
		seen := make(map[string]struct{}, len(g.list))
		for i, p := range g.list {
			if strings.TrimSpace(p.Name) == "" {
				return fmt.Errorf("providers.%s[%d].name must not be empty", g.name, i)
			}
			if _, ok := seen[p.Name]; ok {
				return fmt.Errorf("providers.%s duplicate name: %s", g.name, p.Name)
			}
			seen[p.Name] = struct{}{}
			if err := validateURL(p.URL, "http", "https"); err != nil {
				return fmt.Errorf("providers.%s[%d].url: %w", g.name, i, err)
			}
		}
	}
	if c.Providers.Concurrency <= 0 {
		return errors.New("providers.concurrency must be > 0")
	}
	if c.Providers.Timeout.Duration() <= 0 {
		return errors.New("providers.timeout must be > 0")
	}

	for i, svc := range c.Context.IPServices {
		if err := validateURL(svc, "http", "https"); err != nil {
			return fmt.Errorf("context.ip_services[%d]: %w", i, err)
		}
	}
	if c.Context.Timeout.Duration() <= 0 {
		return errors.New("context.timeout must be > 0")
	}

	if c.Control.IsEnabled() {
		if c.Control.AuthToken == "" {
			return errors.New("control.auth_token must not be empty")
		}
		if c.Control.BindPort <= 0 || c.Control.BindPort > 65535 {
			return errors.New("control.bind_port must be in 1..65535")
		}
	}

	if iv := c.Schedule.Interval.Duration(); iv != 0 && iv < minScheduleInterval {
		return fmt.Errorf("schedule.interval must be 0 or >= %s", minScheduleInterval)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.New("log.format must be text or json")
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	for _, s := range schemes {
		if strings.EqualFold(parsed.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s: %q", strings.Join(schemes, ", "), raw)
}
