package probe

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const icmpPayload = "netgrade"

const (
	protoICMP   = 1
	protoICMPv6 = 58
)

type listenFunc func(network, address string) (*icmp.PacketConn, error)

// icmpFamily describes how to speak ICMP echo for one address family. The
// datagram network needs no privileges where net.ipv4.ping_group_range
// allows it; the raw network needs CAP_NET_RAW.
type icmpFamily struct {
	datagram  string
	raw       string
	proto     int
	echoType  icmp.Type
	replyType icmp.Type
}

var (
	familyV4 = icmpFamily{"udp4", "ip4:icmp", protoICMP, ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply}
	familyV6 = icmpFamily{"udp6", "ip6:ipv6-icmp", protoICMPv6, ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply}
)

// echoSocket is one open ICMP socket bound to a destination.
type echoSocket struct {
	conn     *icmp.PacketConn
	family   icmpFamily
	dst      net.Addr
	datagram bool
}

// openEchoSocket tries the unprivileged datagram socket first and falls
// back to a raw socket. Both failures are reported together.
func openEchoSocket(listen listenFunc, ip net.IP) (*echoSocket, error) {
	family := familyV4
	if ip.To4() == nil {
		family = familyV6
	}
	conn, dgramErr := listen(family.datagram, "")
	if dgramErr == nil {
		return &echoSocket{conn: conn, family: family, dst: &net.UDPAddr{IP: ip}, datagram: true}, nil
	}
	conn, rawErr := listen(family.raw, "")
	if rawErr == nil {
		return &echoSocket{conn: conn, family: family, dst: &net.IPAddr{IP: ip}}, nil
	}
	return nil, fmt.Errorf("icmp socket: %w", errors.Join(dgramErr, rawErr))
}

func (s *echoSocket) Close() error { return s.conn.Close() }

// roundTrip sends one echo and waits for its reply. Datagram sockets get
// their echo ID rewritten by the kernel, so only the sequence is matched
// there.
func (s *echoSocket) roundTrip(id int, seq uint16, timeout time.Duration) (time.Duration, error) {
	request, err := (&icmp.Message{
		Type: s.family.echoType,
		Body: &icmp.Echo{ID: id, Seq: int(seq), Data: []byte(icmpPayload)},
	}).Marshal(nil)
	if err != nil {
		return 0, err
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	sent := time.Now()
	if _, err := s.conn.WriteTo(request, s.dst); err != nil {
		return 0, fmt.Errorf("icmp send: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			return 0, classify(err)
		}
		if s.matches(buf[:n], id, seq) {
			return time.Since(sent), nil
		}
	}
}

func (s *echoSocket) matches(packet []byte, id int, seq uint16) bool {
	reply, err := icmp.ParseMessage(s.family.proto, packet)
	if err != nil || reply.Type != s.family.replyType {
		return false
	}
	echo, ok := reply.Body.(*icmp.Echo)
	if !ok || echo.Seq != int(seq) {
		return false
	}
	return s.datagram || echo.ID == id
}

// icmpEchoer sends single ICMP echo requests with a per-process ID and a
// rolling sequence number.
type icmpEchoer struct {
	listen listenFunc
	mu     sync.Mutex
	id     int
	seq    uint16
}

func newICMPEchoer() *icmpEchoer {
	return &icmpEchoer{listen: icmp.ListenPacket, id: rand.Intn(0xffff)}
}

func (e *icmpEchoer) nextSeq() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return e.seq
}

// Echo resolves host, sends one echo request and waits for the matching
// reply. A missing reply is ErrProbeTimeout; socket and resolve failures are
// returned as is.
func (e *icmpEchoer) Echo(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
	ip, err := resolveIP(ctx, host)
	if err != nil {
		return 0, err
	}
	sock, err := openEchoSocket(e.listen, ip)
	if err != nil {
		return 0, err
	}
	defer sock.Close()

	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	rtt, err := sock.roundTrip(e.id, e.nextSeq(), timeout)
	if errors.Is(err, ErrProbeTimeout) {
		return 0, fmt.Errorf("%w: no echo reply from %s", ErrProbeTimeout, ip)
	}
	return rtt, err
}

func resolveIP(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, addr := range addrs {
		if addr.IP.To4() != nil {
			return addr.IP, nil
		}
	}
	return addrs[0].IP, nil
}
