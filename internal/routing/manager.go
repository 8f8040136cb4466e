// Package routing installs per-destination kernel routes through the
// ip route CLI and applies the per-list routing policy.
package routing

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/admitrievsky/freeroute/internal/config"
	"github.com/admitrievsky/freeroute/internal/metrics"
)

// routeLine extracts "<dst> ... via <gateway>" pairs from ip route show.
var routeLine = regexp.MustCompile(`(\d+\.\d+\.\d+\.\d+).*via (\d+\.\d+\.\d+\.\d+)`)

// Runner executes one ip route invocation and returns its stdout.
// Swappable in tests.
type Runner func(ctx context.Context, args ...string) (string, error)

// Manager keeps an in-memory iface -> destination set mirror of the
// kernel routes it installed and serializes ip route add/del/flush/show
// through a configurable command. Reconcile periodically rebuilds the
// mirror from the kernel so external manipulation heals itself.
type Manager struct {
	command []string
	tunnels map[string]config.InterfaceConfig
	run     Runner

	mu    sync.Mutex
	cache map[string]map[string]struct{} // iface name -> set of routed IPs
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		command: cfg.RouteCommand(),
		tunnels: cfg.Tunnels(),
		cache:   make(map[string]map[string]struct{}),
	}

	for name := range m.tunnels {
		m.cache[name] = make(map[string]struct{})
	}

	m.run = m.exec

	return m
}

// SetRunner replaces the subprocess runner. Test hook.
func (m *Manager) SetRunner(run Runner) { m.run = run }

func (m *Manager) exec(ctx context.Context, args ...string) (string, error) {
	argv := append(append([]string{}, m.command...), args...)

	log := zerolog.Ctx(ctx)
	log.Debug().Strs("argv", argv).Msg("executing command")

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if stderr.Len() > 0 {
		log.Info().
			Strs("argv", argv).
			Str("stderr", strings.TrimSpace(stderr.String())).
			Msg("command reported errors")
	}

	return stdout.String(), err
}

// AddRoute routes each address via the interface gateway, skipping
// addresses already routed there. The kernel route cache is flushed
// once when anything changed.
func (m *Manager) AddRoute(ctx context.Context, iface config.InterfaceConfig, ips []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dirty := false

	for _, ip := range ips {
		set, ok := m.cache[iface.Name]
		if !ok {
			set = make(map[string]struct{})
			m.cache[iface.Name] = set
		}

		if _, exists := set[ip]; exists {
			continue
		}

		dirty = true

		set[ip] = struct{}{}

		metrics.RouteOpsTotal.WithLabelValues("add").Inc()

		if _, err := m.run(ctx, "add", ip, "via", iface.GatewayIP); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("ip", ip).Str("iface", iface.Name).Msg("route add failed")
		}
	}

	m.syncGauges()

	if dirty {
		m.flushCache(ctx)
	} else {
		zerolog.Ctx(ctx).Debug().Strs("ips", ips).Msg("route already exists, nothing to add")
	}
}

// DelRoute removes each address from whichever interface cache holds
// it; unknown addresses are skipped.
func (m *Manager) DelRoute(ctx context.Context, ips []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dirty := false

	for _, ip := range ips {
		name, found := m.ifaceFor(ip)
		if !found {
			continue
		}

		dirty = true

		delete(m.cache[name], ip)

		metrics.RouteOpsTotal.WithLabelValues("del").Inc()

		if _, err := m.run(ctx, "del", ip); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("ip", ip).Msg("route del failed")
		}
	}

	m.syncGauges()

	if dirty {
		m.flushCache(ctx)
	} else {
		zerolog.Ctx(ctx).Debug().Strs("ips", ips).Msg("no route, nothing to remove")
	}
}

func (m *Manager) ifaceFor(ip string) (string, bool) {
	for name, set := range m.cache {
		if _, ok := set[ip]; ok {
			return name, true
		}
	}

	return "", false
}

// Routes returns the raw ip route show output.
func (m *Manager) Routes(ctx context.Context) (string, error) {
	metrics.RouteOpsTotal.WithLabelValues("show").Inc()

	return m.run(ctx, "show")
}

func (m *Manager) flushCache(ctx context.Context) {
	metrics.RouteOpsTotal.WithLabelValues("flush").Inc()

	if _, err := m.run(ctx, "flush", "cache"); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("route cache flush failed")
	}
}

// Reconcile rebuilds the in-memory mirror from ip route show, bucketing
// destinations by gateway and discarding gateways that do not belong to
// a known tunnel.
func (m *Manager) Reconcile(ctx context.Context) error {
	zerolog.Ctx(ctx).Debug().Msg("syncing route cache with kernel")

	out, err := m.Routes(ctx)
	if err != nil {
		return err
	}

	gatewayToIface := make(map[string]string, len(m.tunnels))
	for name, t := range m.tunnels {
		gatewayToIface[t.GatewayIP] = name
	}

	fresh := make(map[string]map[string]struct{}, len(m.tunnels))
	for name := range m.tunnels {
		fresh[name] = make(map[string]struct{})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, line := range strings.Split(out, "\n") {
		groups := routeLine.FindStringSubmatch(line)
		if groups == nil {
			continue
		}

		dst, gateway := groups[1], groups[2]

		name, known := gatewayToIface[gateway]
		if !known {
			continue
		}

		fresh[name][dst] = struct{}{}
	}

	m.cache = fresh
	m.syncGauges()

	return nil
}

// CachedRoutes returns a copy of the routed addresses per interface.
func (m *Manager) CachedRoutes() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]string, len(m.cache))

	for name, set := range m.cache {
		ips := make([]string, 0, len(set))
		for ip := range set {
			ips = append(ips, ip)
		}

		out[name] = ips
	}

	return out
}

func (m *Manager) syncGauges() {
	for name, set := range m.cache {
		metrics.TrackedIPsPerIface.WithLabelValues(name).Set(float64(len(set)))
	}
}
