package dnsproxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hostsResolver(hosts map[string][]net.IP) *Resolver {
	return &Resolver{
		client: &dns.Client{Net: "udp", Timeout: time.Second},
		hosts:  hosts,
		cache:  expirable.NewLRU[string, []Addr](16, nil, time.Minute),
	}
}

func queryFor(name string, qtype uint16) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.Id = 0x1234

	return msg
}

func clientAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 53535}
}

func TestRespondRefusesNonAQueries(t *testing.T) {
	t.Parallel()

	p := New(testProxyConfig(), hostsResolver(nil), nil)

	query := queryFor("example.com", dns.TypeAAAA)
	resp := p.respond(context.Background(), query, clientAddr())

	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeRefused, resp.Rcode)
	assert.Equal(t, query.Id, resp.Id)
	assert.Equal(t, query.Question, resp.Question)
	assert.Empty(t, resp.Answer)
	assert.True(t, resp.Response)
	assert.True(t, resp.RecursionAvailable)
	assert.False(t, resp.RecursionDesired)
}

func TestRespondAnswersFromHosts(t *testing.T) {
	t.Parallel()

	resolver := hostsResolver(map[string][]net.IP{
		"example.com": {net.IPv4(10, 0, 0, 1).To4(), net.IPv4(10, 0, 0, 2).To4()},
	})

	p := New(testProxyConfig(), resolver, nil)

	query := queryFor("EXAMPLE.com", dns.TypeA)
	resp := p.respond(context.Background(), query, clientAddr())

	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.Equal(t, query.Id, resp.Id)
	assert.Equal(t, query.Question, resp.Question)
	require.Len(t, resp.Answer, 2)

	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		require.True(t, ok)
		assert.Equal(t, query.Question[0].Name, a.Hdr.Name)
		assert.Equal(t, uint16(dns.ClassINET), a.Hdr.Class)
	}
}

func TestRespondServfailWithoutUpstreams(t *testing.T) {
	t.Parallel()

	p := New(testProxyConfig(), hostsResolver(nil), nil)

	resp := p.respond(context.Background(), queryFor("example.com", dns.TypeA), clientAddr())

	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func TestRespondCallbackBeforeReply(t *testing.T) {
	t.Parallel()

	resolver := hostsResolver(map[string][]net.IP{
		"example.com": {net.IPv4(10, 0, 0, 1).To4()},
	})

	var (
		gotRemote string
		gotDomain string
		gotIPs    []string
	)

	callback := func(_ context.Context, remote, domain string, ips []string) {
		gotRemote = remote
		gotDomain = domain
		gotIPs = ips
	}

	p := New(testProxyConfig(), resolver, callback)

	resp := p.respond(context.Background(), queryFor("example.com", dns.TypeA), clientAddr())

	require.NotNil(t, resp)
	assert.Equal(t, "192.168.1.50", gotRemote)
	assert.Equal(t, "example.com", gotDomain)
	assert.Equal(t, []string{"10.0.0.1"}, gotIPs)
}

func TestRespondCallbackPanicDoesNotBlockReply(t *testing.T) {
	t.Parallel()

	resolver := hostsResolver(map[string][]net.IP{
		"example.com": {net.IPv4(10, 0, 0, 1).To4()},
	})

	callback := func(context.Context, string, string, []string) {
		panic("boom")
	}

	p := New(testProxyConfig(), resolver, callback)

	resp := p.respond(context.Background(), queryFor("example.com", dns.TypeA), clientAddr())

	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
}

func TestRespondEmptyQuestionServfail(t *testing.T) {
	t.Parallel()

	p := New(testProxyConfig(), hostsResolver(nil), nil)

	msg := new(dns.Msg)
	msg.Id = 7

	resp := p.respond(context.Background(), msg, clientAddr())

	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	assert.Equal(t, uint16(7), resp.Id)
}

func TestNewRequestIDShape(t *testing.T) {
	t.Parallel()

	seen := map[string]struct{}{}

	for range 100 {
		id := newRequestID()
		assert.Len(t, id, requestIDLen)

		seen[id] = struct{}{}
	}

	assert.Greater(t, len(seen), 90, "ids should be effectively unique")
}

func TestAddrTTL(t *testing.T) {
	t.Parallel()

	now := time.Now()

	assert.Equal(t, uint32(30), Addr{ExpiresAt: now.Add(30 * time.Second)}.TTL(now))
	assert.Equal(t, uint32(0), Addr{ExpiresAt: now.Add(-time.Second)}.TTL(now))
}
