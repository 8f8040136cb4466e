package domainlists_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/admitrievsky/freeroute/internal/config"
	"github.com/admitrievsky/freeroute/internal/domainlists"
)

func TestRefresherUpdatesMatcher(t *testing.T) {
	t.Chdir(t.TempDir())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("one.test\ntwo.test\n"))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.ExternalLists = []config.ExternalDomainList{
		{Name: "blocked", URL: srv.URL, UpdateIntervalHours: 1, Interface: "tun0"},
	}

	registry, err := domainlists.NewRegistry(cfg)
	require.NoError(t, err)

	spec := registry.ExternalSpecs()[0]
	refresher := registry.NewRefresher(spec)

	ctx := context.Background()
	require.NoError(t, refresher.Run(ctx))

	assert.NotNil(t, registry.Classify(ctx, "a.one.test", nil))
	assert.NotNil(t, registry.Classify(ctx, "two.test", nil))
	assert.Nil(t, registry.Classify(ctx, "three.test", nil))
}

func TestRefresherNonOKStatusKeepsContents(t *testing.T) {
	t.Chdir(t.TempDir())

	var fail bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		_, _ = w.Write([]byte("one.test\n"))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.ExternalLists = []config.ExternalDomainList{
		{Name: "blocked", URL: srv.URL, UpdateIntervalHours: 1, Interface: "tun0"},
	}

	registry, err := domainlists.NewRegistry(cfg)
	require.NoError(t, err)

	refresher := registry.NewRefresher(registry.ExternalSpecs()[0])

	ctx := context.Background()
	require.NoError(t, refresher.Run(ctx))

	fail = true

	// the failed refresh is reported and the previous contents survive
	require.Error(t, refresher.Run(ctx))
	assert.NotNil(t, registry.Classify(ctx, "one.test", nil))
}

func TestFlusherPersistsDirtyLists(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	registry, err := domainlists.NewRegistry(testConfig())
	require.NoError(t, err)

	vpn, _ := registry.Manual("vpn")
	vpn.Add("a.test")

	flusher := registry.NewFlusher()
	require.NoError(t, flusher.Run(context.Background()))
	assert.False(t, vpn.Dirty())

	data, err := os.ReadFile(filepath.Join(dir, "list_vpn.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a.test", string(data))

	// nothing dirty: flushing again is a no-op
	require.NoError(t, flusher.Run(context.Background()))
}
