package routing

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/admitrievsky/freeroute/internal/config"
	"github.com/admitrievsky/freeroute/internal/domainlists"
)

// recentRoutesCap bounds the resolution history kept for re-routing.
const recentRoutesCap = 1000

type recentRoute struct {
	domain string
	ips    []string
}

// Router applies the per-list routing policy: matches of a tunnel list
// are routed via that tunnel, force_default matches and unmatched
// domains have their tunnel routes torn down. It remembers the last
// resolutions so list edits can re-route already-seen destinations.
type Router struct {
	manager  *Manager
	registry *domainlists.Registry
	tunnels  map[string]config.InterfaceConfig

	mu     sync.Mutex
	recent []recentRoute // ring buffer
	head   int
	size   int
}

func NewRouter(manager *Manager, registry *domainlists.Registry, cfg *config.Config) *Router {
	return &Router{
		manager:  manager,
		registry: registry,
		tunnels:  cfg.Tunnels(),
		recent:   make([]recentRoute, recentRoutesCap),
	}
}

// Route applies the list policy to one resolution.
func (r *Router) Route(ctx context.Context, list *domainlists.Spec, domain string, ips []string) {
	r.remember(domain, ips)

	log := zerolog.Ctx(ctx)

	switch {
	case list == nil:
		log.Debug().Str("domain", domain).Msg("no preferences, removing route if any")
		r.manager.DelRoute(ctx, ips)
	case list.ForceDefault():
		log.Debug().Str("domain", domain).Strs("ips", ips).Msg("forcing default route")
		r.manager.DelRoute(ctx, ips)
	default:
		iface, ok := r.tunnels[list.Interface]
		if !ok {
			log.Warn().Str("list", list.Name).Str("iface", list.Interface).Msg("list references unknown tunnel")

			return
		}

		log.Debug().
			Str("domain", domain).
			Strs("ips", ips).
			Str("iface", iface.Name).
			Msg("adding route")
		r.manager.AddRoute(ctx, iface, ips)
	}
}

// ReRoute re-applies the policy to every address previously resolved
// for the domain. Called when the operator edits a manual list so past
// resolutions take effect without waiting for a new query.
func (r *Router) ReRoute(ctx context.Context, domain string) {
	ips := r.recall(domain)
	if len(ips) == 0 {
		zerolog.Ctx(ctx).Debug().Str("domain", domain).Msg("domain was not routed before, nothing to reroute")

		return
	}

	zerolog.Ctx(ctx).Debug().Str("domain", domain).Strs("ips", ips).Msg("re-routing domain")

	list := r.registry.Classify(ctx, domain, nil)
	r.Route(ctx, list, domain, ips)
}

func (r *Router) remember(domain string, ips []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recent[r.head] = recentRoute{domain: domain, ips: ips}

	r.head = (r.head + 1) % recentRoutesCap
	if r.size < recentRoutesCap {
		r.size++
	}
}

// recall unions every address recorded for the domain.
func (r *Router) recall(domain string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[string]struct{}{}

	var ips []string

	for i := range r.size {
		entry := r.recent[i]
		if entry.domain != domain {
			continue
		}

		for _, ip := range entry.ips {
			if _, dup := seen[ip]; dup {
				continue
			}

			seen[ip] = struct{}{}
			ips = append(ips, ip)
		}
	}

	return ips
}
