package probe

import (
	"context"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

func TestOpenEchoSocketTriesDatagramFirst(t *testing.T) {
	var tried []string
	listen := func(network, _ string) (*icmp.PacketConn, error) {
		tried = append(tried, network)
		return nil, syscall.EPERM
	}

	_, err := openEchoSocket(listen, net.ParseIP("192.0.2.1"))
	require.ErrorIs(t, err, syscall.EPERM)
	assert.Equal(t, []string{"udp4", "ip4:icmp"}, tried)

	tried = nil
	_, err = openEchoSocket(listen, net.ParseIP("2001:db8::1"))
	require.Error(t, err)
	assert.Equal(t, []string{"udp6", "ip6:ipv6-icmp"}, tried)
}

func TestOpenEchoSocketFailureIsNotTimeout(t *testing.T) {
	listen := func(string, string) (*icmp.PacketConn, error) { return nil, syscall.EPERM }
	e := &icmpEchoer{listen: listen, id: 7}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := e.Echo(ctx, "192.0.2.1", 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrProbeTimeout)

	_, err = (&ICMPTrials{target: "192.0.2.1", timeout: 1, echoer: e}).Trial(ctx, 0)
	assert.ErrorIs(t, err, syscall.EPERM)
}

func echoReply(t *testing.T, id, seq int) []byte {
	t.Helper()
	b, err := (&icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte(icmpPayload)},
	}).Marshal(nil)
	require.NoError(t, err)
	return b
}

func TestEchoSocketMatchesReplies(t *testing.T) {
	raw := &echoSocket{family: familyV4}
	assert.True(t, raw.matches(echoReply(t, 7, 3), 7, 3))
	assert.False(t, raw.matches(echoReply(t, 8, 3), 7, 3))
	assert.False(t, raw.matches(echoReply(t, 7, 4), 7, 3))
	assert.False(t, raw.matches([]byte{0x01}, 7, 3))

	// the kernel rewrites the ID on datagram sockets
	dgram := &echoSocket{family: familyV4, datagram: true}
	assert.True(t, dgram.matches(echoReply(t, 4242, 3), 7, 3))
	assert.False(t, dgram.matches(echoReply(t, 4242, 9), 7, 3))
}
