package dnsproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

var errNoUpstreamAnswer = errors.New("no upstream answered")

const (
	resolvConfPath = "/etc/resolv.conf"
	hostsPath      = "/etc/hosts"

	upstreamTimeout  = 2 * time.Second
	resolverCacheCap = 16384
	// the LRU TTL is an upper bound; per-record expiry is checked on read
	resolverCacheTTL = 5 * time.Minute
	hostsRecordTTL   = time.Minute
)

// ResultKind discriminates resolution outcomes. The proxy switches on
// it instead of driving control flow through errors.
type ResultKind int

const (
	// ResultAddrs carries resolved addresses (possibly none).
	ResultAddrs ResultKind = iota
	// ResultNxDomain means the upstream answered NXDOMAIN.
	ResultNxDomain
	// ResultRcode carries any other upstream error rcode.
	ResultRcode
	// ResultError means resolution failed without an upstream verdict.
	ResultError
)

// Addr is one resolved address with its absolute expiry.
type Addr struct {
	IP        net.IP
	ExpiresAt time.Time
}

// TTL returns the remaining lifetime in whole seconds, floored at zero.
func (a Addr) TTL(now time.Time) uint32 {
	left := a.ExpiresAt.Sub(now)
	if left < 0 {
		return 0
	}

	return uint32(left / time.Second)
}

// Result is one resolution outcome.
type Result struct {
	Kind  ResultKind
	Addrs []Addr
	Rcode int
	Err   error
}

// Resolver answers A queries from /etc/hosts overrides, a bounded
// answer cache, and the upstreams listed in /etc/resolv.conf, tried in
// order.
type Resolver struct {
	client  *dns.Client
	servers []string
	hosts   map[string][]net.IP
	cache   *expirable.LRU[string, []Addr]
}

// NewResolver loads /etc/resolv.conf and /etc/hosts. Any failure here
// is fatal to startup.
func NewResolver() (*Resolver, error) {
	return newResolver(resolvConfPath, hostsPath)
}

func newResolver(resolvPath, hostsPath string) (*Resolver, error) {
	cc, err := dns.ClientConfigFromFile(resolvPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", resolvPath, err)
	}

	servers := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		servers = append(servers, net.JoinHostPort(s, cc.Port))
	}

	hosts, err := parseHosts(hostsPath)
	if err != nil {
		return nil, err
	}

	return &Resolver{
		client:  &dns.Client{Net: "udp", Timeout: upstreamTimeout},
		servers: servers,
		hosts:   hosts,
		cache:   expirable.NewLRU[string, []Addr](resolverCacheCap, nil, resolverCacheTTL),
	}, nil
}

// parseHosts reads IPv4 entries from an /etc/hosts style file. A
// missing file yields no overrides.
func parseHosts(path string) (map[string][]net.IP, error) {
	hosts := make(map[string][]net.IP)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return hosts, nil
	}

	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		ip := net.ParseIP(fields[0])
		if ip == nil || ip.To4() == nil {
			continue
		}

		for _, name := range fields[1:] {
			name = strings.ToLower(name)
			hosts[name] = append(hosts[name], ip.To4())
		}
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return hosts, nil
}

// Lookup resolves A records for a lowercased domain without the
// trailing dot.
func (r *Resolver) Lookup(ctx context.Context, name string) Result {
	if ips, ok := r.hosts[name]; ok {
		expires := time.Now().Add(hostsRecordTTL)

		addrs := make([]Addr, 0, len(ips))
		for _, ip := range ips {
			addrs = append(addrs, Addr{IP: ip, ExpiresAt: expires})
		}

		return Result{Kind: ResultAddrs, Addrs: addrs}
	}

	if addrs, ok := r.cachedFresh(name); ok {
		return Result{Kind: ResultAddrs, Addrs: addrs}
	}

	return r.exchange(ctx, name)
}

func (r *Resolver) cachedFresh(name string) ([]Addr, bool) {
	addrs, ok := r.cache.Get(name)
	if !ok {
		return nil, false
	}

	now := time.Now()

	fresh := make([]Addr, 0, len(addrs))
	for _, a := range addrs {
		if a.ExpiresAt.After(now) {
			fresh = append(fresh, a)
		}
	}

	if len(fresh) == 0 {
		return nil, false
	}

	return fresh, true
}

func (r *Resolver) exchange(ctx context.Context, name string) Result {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)

	var lastErr error

	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil || in == nil {
			zerolog.Ctx(ctx).Debug().Err(err).Str("upstream", server).Msg("upstream exchange failed")

			lastErr = err

			continue
		}

		switch in.Rcode {
		case dns.RcodeSuccess:
			return Result{Kind: ResultAddrs, Addrs: r.collect(name, in)}
		case dns.RcodeNameError:
			return Result{Kind: ResultNxDomain}
		default:
			return Result{Kind: ResultRcode, Rcode: in.Rcode}
		}
	}

	if lastErr == nil {
		lastErr = errNoUpstreamAnswer
	}

	return Result{Kind: ResultError, Err: lastErr}
}

func (r *Resolver) collect(name string, in *dns.Msg) []Addr {
	now := time.Now()

	addrs := make([]Addr, 0, len(in.Answer))

	for _, rr := range in.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}

		addrs = append(addrs, Addr{
			IP:        a.A.To4(),
			ExpiresAt: now.Add(time.Duration(a.Hdr.Ttl) * time.Second),
		})
	}

	if len(addrs) > 0 {
		r.cache.Add(name, addrs)
	}

	return addrs
}

// PurgeCache drops every cached answer. Part of the shutdown sequence.
func (r *Resolver) PurgeCache() {
	r.cache.Purge()
}
