// Package dnsproxy implements the UDP DNS rewrite proxy: it answers A
// queries from upstream resolution and hands every completed
// resolution to a callback before the reply leaves the socket.
package dnsproxy

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"golang.org/x/net/idna"

	"github.com/admitrievsky/freeroute/internal/config"
	"github.com/admitrievsky/freeroute/internal/metrics"
)

const (
	// readBufSize bounds one UDP datagram read.
	readBufSize = 512

	requestIDLen      = 8
	requestIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ResolvedCallback receives each successful resolution before the
// reply is sent. Panics are recovered and logged; they never block the
// reply.
type ResolvedCallback func(ctx context.Context, remote string, domain string, ips []string)

type request struct {
	id   string
	data []byte
	addr *net.UDPAddr
}

// Proxy is the UDP listener plus a bounded worker pool. The queue
// capacity equals the worker count, so a saturated pool backpressures
// the receive loop.
type Proxy struct {
	port     uint16
	workers  int
	resolver *Resolver
	callback ResolvedCallback
}

func New(cfg *config.Config, resolver *Resolver, callback ResolvedCallback) *Proxy {
	return &Proxy{
		port:     cfg.Networking.DNSPort,
		workers:  cfg.Networking.DNSWorkers,
		resolver: resolver,
		callback: callback,
	}
}

// Run serves until the context is cancelled, then drains the queue,
// stops the workers, closes the socket and purges the resolver cache.
// The bind failure path is fatal.
func (p *Proxy) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(p.port)})
	if err != nil {
		return fmt.Errorf("bind udp port %d: %w", p.port, err)
	}

	log := zerolog.Ctx(ctx)
	log.Info().Int("port", int(p.port)).Int("workers", p.workers).Msg("dns proxy listening")

	queue := make(chan request, p.workers)

	// workers keep resolving while the queue drains on shutdown
	workerCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup

	for range p.workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for req := range queue {
				p.handle(workerCtx, conn, req)
			}
		}()
	}

	// unblock the receive loop on cancellation
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	p.receive(ctx, conn, queue)

	log.Info().Msg("dns proxy stopping, waiting for requests to finish")
	close(queue)
	wg.Wait()

	_ = conn.Close()
	p.resolver.PurgeCache()

	log.Info().Msg("dns proxy stopped")

	return nil
}

func (p *Proxy) receive(ctx context.Context, conn *net.UDPConn, queue chan<- request) {
	buf := make([]byte, readBufSize)

	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			zerolog.Ctx(ctx).Warn().Err(err).Msg("udp read failed")

			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case queue <- request{id: newRequestID(), data: data, addr: addr}:
		case <-ctx.Done():
			return
		}
	}
}

func newRequestID() string {
	b := make([]byte, requestIDLen)
	for i := range b {
		b[i] = requestIDAlphabet[rand.IntN(len(requestIDAlphabet))]
	}

	return string(b)
}

func (p *Proxy) handle(ctx context.Context, conn *net.UDPConn, req request) {
	log := zerolog.Ctx(ctx).With().Str("request_id", req.id).Logger()
	ctx = log.WithContext(ctx)

	msg := new(dns.Msg)
	if err := msg.Unpack(req.data); err != nil {
		// qid is unknown, so no reply can be matched to the query
		metrics.DNSQueriesTotal.WithLabelValues("dropped").Inc()
		log.Debug().Err(err).Msg("dropping unparseable request")

		return
	}

	resp := p.respond(ctx, msg, req.addr)
	if resp == nil {
		return
	}

	out, err := resp.Pack()
	if err != nil {
		log.Error().Err(err).Msg("response pack failed")

		return
	}

	// sendto on a UDP socket does not block
	_, _ = conn.WriteToUDP(out, req.addr)
}

//nolint:cyclop
func (p *Proxy) respond(ctx context.Context, msg *dns.Msg, addr *net.UDPAddr) *dns.Msg {
	log := zerolog.Ctx(ctx)

	if len(msg.Question) == 0 {
		metrics.DNSQueriesTotal.WithLabelValues("servfail").Inc()

		return errorReply(msg, dns.RcodeServerFailure)
	}

	q := msg.Question[0]
	if q.Qtype != dns.TypeA {
		log.Debug().Uint16("qtype", q.Qtype).Msg("unhandled query type")
		metrics.DNSQueriesTotal.WithLabelValues("refused").Inc()

		return errorReply(msg, dns.RcodeRefused)
	}

	name := strings.ToLower(strings.TrimSuffix(q.Name, "."))

	domain, err := idna.ToUnicode(name)
	if err != nil {
		domain = name
	}

	res := p.resolver.Lookup(ctx, name)

	switch res.Kind {
	case ResultNxDomain:
		log.Debug().Str("domain", domain).Msg("does not exist")
		metrics.DNSQueriesTotal.WithLabelValues("nxdomain").Inc()

		return errorReply(msg, dns.RcodeNameError)
	case ResultRcode:
		log.Debug().Str("domain", domain).Int("rcode", res.Rcode).Msg("upstream error rcode")
		metrics.DNSQueriesTotal.WithLabelValues("rcode").Inc()

		return errorReply(msg, res.Rcode)
	case ResultError:
		log.Error().Err(res.Err).Str("domain", domain).Msg("resolution failed")
		metrics.DNSQueriesTotal.WithLabelValues("servfail").Inc()

		return errorReply(msg, dns.RcodeServerFailure)
	case ResultAddrs:
	}

	ips := make([]string, 0, len(res.Addrs))
	for _, a := range res.Addrs {
		ips = append(ips, a.IP.String())
	}

	log.Debug().Str("domain", domain).Strs("ips", ips).Msg("resolved")

	p.invokeCallback(ctx, addr, domain, ips)

	metrics.DNSQueriesTotal.WithLabelValues("ok").Inc()

	return answerReply(msg, res.Addrs)
}

// invokeCallback runs the resolved callback to completion before the
// reply is sent; a panic inside it must not lose the reply.
func (p *Proxy) invokeCallback(ctx context.Context, addr *net.UDPAddr, domain string, ips []string) {
	if p.callback == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			zerolog.Ctx(ctx).Error().Interface("panic", rec).Str("domain", domain).Msg("resolved callback panicked")
		}
	}()

	p.callback(ctx, addr.IP.String(), domain, ips)
}

func replyHeader(req *dns.Msg, rcode int) *dns.Msg {
	m := new(dns.Msg)
	m.Id = req.Id
	m.Response = true
	m.Opcode = dns.OpcodeQuery
	m.RecursionDesired = false
	m.RecursionAvailable = true
	m.Rcode = rcode
	m.Question = req.Question

	return m
}

func errorReply(req *dns.Msg, rcode int) *dns.Msg {
	return replyHeader(req, rcode)
}

func answerReply(req *dns.Msg, addrs []Addr) *dns.Msg {
	m := replyHeader(req, dns.RcodeSuccess)

	now := time.Now()

	for _, a := range addrs {
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   req.Question[0].Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    a.TTL(now),
			},
			A: a.IP,
		})
	}

	return m
}
