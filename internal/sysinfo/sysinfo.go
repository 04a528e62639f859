// Package sysinfo gathers the connection context recorded alongside a run:
// public address, optional geolocation, egress interface and host details.
package sysinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/NodePath81/netgrade/internal/util"
)

const (
	DefaultTimeout = 5 * time.Second

	maxIPBody = 64 << 10
)

// ErrNoPublicIP indicates every public address service failed.
var ErrNoPublicIP = errors.New("public ip lookup failed on all services")

type Info struct {
	Hostname  string     `json:"hostname"`
	OS        string     `json:"os"`
	Arch      string     `json:"arch"`
	Kernel    string     `json:"kernel,omitempty"`
	PublicIP  string     `json:"public_ip,omitempty"`
	IPService string     `json:"ip_service,omitempty"`
	LocalIPs  []string   `json:"local_ips,omitempty"`
	Interface *Interface `json:"interface,omitempty"`
	Geo       *Geo       `json:"geo,omitempty"`
}

// Interface describes the link that carries traffic to the public internet.
type Interface struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	MTU      int    `json:"mtu"`
	Gateway  string `json:"gateway,omitempty"`
	SourceIP string `json:"source_ip,omitempty"`
}

type Config struct {
	IPServices []string
	GeoIPDB    string
	Timeout    time.Duration
	// RouteProbe is the destination used to pick the egress route.
	RouteProbe net.IP
}

type Gatherer struct {
	cfg    Config
	client *http.Client
	logger util.Logger
}

func NewGatherer(cfg Config, client *http.Client, logger util.Logger) *Gatherer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RouteProbe == nil {
		cfg.RouteProbe = net.IPv4(1, 1, 1, 1)
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = util.NopLogger()
	}
	return &Gatherer{cfg: cfg, client: client, logger: logger}
}

// Gather always returns the host details it could collect. The error is
// non-nil only when the public address could not be determined.
func (g *Gatherer) Gather(ctx context.Context) (Info, error) {
	info := Info{
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		Kernel:   kernelRelease(),
		LocalIPs: ActiveIPs(),
	}
	info.Hostname, _ = os.Hostname()

	if iface, err := egressInterface(g.cfg.RouteProbe); err != nil {
		g.logger.Debug("egress interface lookup failed", "error", err)
	} else {
		info.Interface = iface
	}

	ip, service, err := g.PublicIP(ctx)
	if err != nil {
		return info, err
	}
	info.PublicIP = ip
	info.IPService = service

	if g.cfg.GeoIPDB != "" {
		geo, err := LookupGeo(g.cfg.GeoIPDB, net.ParseIP(ip))
		if err != nil {
			g.logger.Warn("geoip lookup failed", "db", g.cfg.GeoIPDB, "error", err)
		} else {
			info.Geo = geo
		}
	}
	return info, nil
}

// PublicIP asks each configured service in order and returns the first
// address it can parse along with the service that answered.
func (g *Gatherer) PublicIP(ctx context.Context) (string, string, error) {
	var lastErr error
	for _, svc := range g.cfg.IPServices {
		ip, err := g.queryIP(ctx, svc)
		if err == nil {
			return ip, svc, nil
		}
		lastErr = err
		g.logger.Debug("public ip service failed", "service", svc, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		return "", "", ErrNoPublicIP
	}
	return "", "", fmt.Errorf("%w: %v", ErrNoPublicIP, lastErr)
}

func (g *Gatherer) queryIP(ctx context.Context, svc string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, svc, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("http %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIPBody))
	if err != nil {
		return "", err
	}
	return parseIPBody(body)
}

// parseIPBody accepts {"ip": ...} (ipify), {"origin": ...} (httpbin) or a
// bare address. httpbin may report a comma-separated proxy chain; the first
// entry is the client.
func parseIPBody(body []byte) (string, error) {
	var payload struct {
		IP     string `json:"ip"`
		Origin string `json:"origin"`
	}
	candidate := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil {
		candidate = payload.IP
		if candidate == "" {
			candidate = payload.Origin
		}
	}
	if idx := strings.IndexByte(candidate, ','); idx >= 0 {
		candidate = candidate[:idx]
	}
	candidate = strings.TrimSpace(candidate)
	if net.ParseIP(candidate) == nil {
		return "", fmt.Errorf("unrecognized ip response %q", truncate(candidate, 64))
	}
	return candidate, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ActiveIPs lists the addresses a measurement can leave from: routable
// unicast addresses of up, non-loopback interfaces, IPv4 first.
func ActiveIPs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var addrs []netip.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		list, err := iface.Addrs()
		if err != nil {
			continue
		}
		addrs = append(addrs, egressCandidates(list)...)
	}
	return formatAddrs(addrs)
}

// egressCandidates drops loopback, link-local, multicast and unspecified
// addresses from an interface listing.
func egressCandidates(list []net.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(list))
	for _, a := range list {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsMulticast() || addr.IsUnspecified() {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func formatAddrs(addrs []netip.Addr) []string {
	slices.SortStableFunc(addrs, func(a, b netip.Addr) int {
		switch {
		case a.Is4() == b.Is4():
			return 0
		case a.Is4():
			return -1
		default:
			return 1
		}
	})
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}
