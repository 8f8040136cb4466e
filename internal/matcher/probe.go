package matcher

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/admitrievsky/freeroute/internal/metrics"
)

const (
	probeCacheSize = 65536
	// Verdicts expire so the matcher follows DNS and filtering churn.
	probeCacheTTL = time.Hour

	defaultProbeRate  = 16
	defaultProbeBurst = 32

	httpsPort = "443"
)

// ProbeMatcher decides membership by probing whether the domain is
// reachable over the default path. A domain is considered blocked, and
// therefore a member, when any direct HTTPS attempt to one of its
// resolved addresses times out; a completed exchange, even a TLS or HTTP
// failure, counts that address as reachable. Probes are coalesced per
// domain and verdicts are cached.
type ProbeMatcher struct {
	timeout time.Duration
	cache   *expirable.LRU[string, bool]
	flight  singleflight.Group
	limiter *rate.Limiter

	// dial is swappable in tests to avoid real network traffic.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewProbeMatcher(timeout time.Duration) *ProbeMatcher {
	d := net.Dialer{}

	return &ProbeMatcher{
		timeout: timeout,
		cache:   expirable.NewLRU[string, bool](probeCacheSize, nil, probeCacheTTL),
		limiter: rate.NewLimiter(rate.Limit(defaultProbeRate), defaultProbeBurst),
		dial:    d.DialContext,
	}
}

// Match probes the domain once, coalescing concurrent callers, and
// serves repeated calls from the verdict cache.
func (m *ProbeMatcher) Match(ctx context.Context, domain string, ips []string) bool {
	if v, ok := m.cache.Get(domain); ok {
		return v
	}

	v, _, _ := m.flight.Do(domain, func() (any, error) {
		// a concurrent flight may have settled the verdict already
		if v, ok := m.cache.Get(domain); ok {
			return v, nil
		}

		blocked := m.probe(ctx, domain, ips)
		m.cache.Add(domain, blocked)

		return blocked, nil
	})

	blocked, _ := v.(bool)

	return blocked
}

func (m *ProbeMatcher) probe(ctx context.Context, domain string, ips []string) bool {
	if len(ips) == 0 {
		return false
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return false
	}

	var (
		wg      sync.WaitGroup
		blocked atomic.Bool
	)

	for _, ip := range ips {
		wg.Add(1)

		go func(ip string) {
			defer wg.Done()

			if m.probeOne(ctx, domain, ip) {
				blocked.Store(true)
			}
		}(ip)
	}

	wg.Wait()

	if blocked.Load() {
		metrics.ProbeVerdictsTotal.WithLabelValues("blocked").Inc()
	} else {
		metrics.ProbeVerdictsTotal.WithLabelValues("reachable").Inc()
	}

	zerolog.Ctx(ctx).Debug().
		Str("domain", domain).
		Strs("ips", ips).
		Bool("blocked", blocked.Load()).
		Msg("probe verdict")

	return blocked.Load()
}

// probeOne reports whether a direct HTTPS exchange with one address
// timed out. Completed exchanges and non-timeout failures mean the
// path is usable.
func (m *ProbeMatcher) probeOne(ctx context.Context, domain, ip string) bool {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return m.dial(ctx, network, net.JoinHostPort(ip, httpsPort))
		},
		TLSClientConfig:   &tls.Config{ServerName: domain, MinVersion: tls.VersionTLS12},
		DisableKeepAlives: true,
	}

	client := &http.Client{Timeout: m.timeout, Transport: transport}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+domain+"/", nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return isTimeout(err)
	}

	_ = resp.Body.Close()

	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var nerr net.Error

	return errors.As(err, &nerr) && nerr.Timeout()
}

// The dynamic list has no persisted content.

func (m *ProbeMatcher) Update([]string) {}

func (m *ProbeMatcher) Add(string) {}

func (m *ProbeMatcher) Remove(string) {}

func (m *ProbeMatcher) GetAll() []string { return []string{} }
