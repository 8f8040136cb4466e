package routing_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admitrievsky/freeroute/internal/config"
	"github.com/admitrievsky/freeroute/internal/routing"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	show  string
}

func (f *fakeRunner) run(_ context.Context, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, strings.Join(args, " "))

	if len(args) > 0 && args[0] == "show" {
		return f.show, nil
	}

	return "", nil
}

func (f *fakeRunner) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.calls))
	copy(out, f.calls)

	return out
}

func (f *fakeRunner) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = nil
}

func routingConfig() *config.Config {
	return &config.Config{
		Networking: config.NetworkingConfig{
			Tunnels: []config.InterfaceConfig{
				{Name: "tun0", GatewayIP: "1.2.3.4"},
				{Name: "tun1", GatewayIP: "5.5.5.5"},
			},
		},
		IPRouteCommand: "ip route",
	}
}

func newTestManager() (*routing.Manager, *fakeRunner) {
	fake := &fakeRunner{}
	m := routing.NewManager(routingConfig())
	m.SetRunner(fake.run)

	return m, fake
}

func TestManagerAddRoute(t *testing.T) {
	t.Parallel()

	m, fake := newTestManager()
	ctx := context.Background()

	tun0 := config.InterfaceConfig{Name: "tun0", GatewayIP: "1.2.3.4"}
	m.AddRoute(ctx, tun0, []string{"5.6.7.8", "5.6.7.9"})

	assert.Equal(t, []string{
		"add 5.6.7.8 via 1.2.3.4",
		"add 5.6.7.9 via 1.2.3.4",
		"flush cache",
	}, fake.recorded())
}

func TestManagerAddRouteSkipsCached(t *testing.T) {
	t.Parallel()

	m, fake := newTestManager()
	ctx := context.Background()

	tun0 := config.InterfaceConfig{Name: "tun0", GatewayIP: "1.2.3.4"}
	m.AddRoute(ctx, tun0, []string{"5.6.7.8"})
	fake.reset()

	m.AddRoute(ctx, tun0, []string{"5.6.7.8"})
	assert.Empty(t, fake.recorded(), "cached route must not be re-added, no flush either")
}

func TestManagerDelRoute(t *testing.T) {
	t.Parallel()

	m, fake := newTestManager()
	ctx := context.Background()

	tun0 := config.InterfaceConfig{Name: "tun0", GatewayIP: "1.2.3.4"}
	m.AddRoute(ctx, tun0, []string{"9.9.9.9"})
	fake.reset()

	m.DelRoute(ctx, []string{"9.9.9.9"})

	assert.Equal(t, []string{
		"del 9.9.9.9",
		"flush cache",
	}, fake.recorded())
	assert.Empty(t, m.CachedRoutes()["tun0"])
}

func TestManagerDelRouteUnknownIsNoop(t *testing.T) {
	t.Parallel()

	m, fake := newTestManager()

	m.DelRoute(context.Background(), []string{"8.8.8.8"})
	assert.Empty(t, fake.recorded())
}

func TestManagerAddThenDelRestoresCache(t *testing.T) {
	t.Parallel()

	m, fake := newTestManager()
	ctx := context.Background()

	before := m.CachedRoutes()

	tun0 := config.InterfaceConfig{Name: "tun0", GatewayIP: "1.2.3.4"}
	m.AddRoute(ctx, tun0, []string{"7.7.7.7"})
	m.DelRoute(ctx, []string{"7.7.7.7"})

	assert.Equal(t, before, m.CachedRoutes())

	var adds, dels int

	for _, call := range fake.recorded() {
		switch {
		case strings.HasPrefix(call, "add "):
			adds++
		case strings.HasPrefix(call, "del "):
			dels++
		}
	}

	assert.Equal(t, 1, adds)
	assert.Equal(t, 1, dels)
}

func TestManagerReconcile(t *testing.T) {
	t.Parallel()

	m, fake := newTestManager()
	fake.show = strings.Join([]string{
		"10.0.0.1 via 1.2.3.4 dev tun0",
		"10.0.0.2 via 1.2.3.4 dev tun0",
		"10.0.0.3 via 5.5.5.5 dev tun1",
		"10.0.0.4 via 9.9.9.9 dev eth0", // unknown gateway, ignored
		"default via 192.168.1.1 dev eth0",
		"192.168.1.0/24 dev eth0 proto kernel scope link",
	}, "\n")

	ctx := context.Background()
	require.NoError(t, m.Reconcile(ctx))

	cached := m.CachedRoutes()
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, cached["tun0"])
	assert.ElementsMatch(t, []string{"10.0.0.3"}, cached["tun1"])

	// stable kernel state: reconciling again changes nothing
	require.NoError(t, m.Reconcile(ctx))
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, m.CachedRoutes()["tun0"])
}

func TestManagerReconcileHealsExternalChanges(t *testing.T) {
	t.Parallel()

	m, fake := newTestManager()
	ctx := context.Background()

	tun0 := config.InterfaceConfig{Name: "tun0", GatewayIP: "1.2.3.4"}
	m.AddRoute(ctx, tun0, []string{"10.0.0.1"})

	// the kernel lost the route behind our back
	fake.show = ""
	require.NoError(t, m.Reconcile(ctx))

	assert.Empty(t, m.CachedRoutes()["tun0"])
}
