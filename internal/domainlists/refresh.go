package domainlists

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/admitrievsky/freeroute/internal/matcher"
	"github.com/admitrievsky/freeroute/internal/metrics"
)

var errUnexpectedStatus = errors.New("unexpected status fetching domain list")

const (
	fetchTimeout = 30 * time.Second
	// external lists run to ~10^5 entries; cap well above that
	maxListBytes = 32 << 20
)

// Refresher downloads one external list and replaces its matcher
// contents. One Run call is one scheduler iteration.
type Refresher struct {
	client *http.Client
	spec   *Spec
	m      matcher.Matcher
}

// NewRefresher builds the refresh task for an external list spec.
func (r *Registry) NewRefresher(spec *Spec) *Refresher {
	return &Refresher{
		client: &http.Client{Timeout: fetchTimeout},
		spec:   spec,
		m:      r.Matcher(spec),
	}
}

func (f *Refresher) Run(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	log.Info().Str("list", f.spec.Name).Str("url", f.spec.URL).Msg("updating domain list")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.spec.URL, nil)
	if err != nil {
		return err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.ListRefreshTotal.WithLabelValues(f.spec.Name, "error").Inc()

		return fmt.Errorf("fetch domain list %s: %w", f.spec.Name, err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		metrics.ListRefreshTotal.WithLabelValues(f.spec.Name, "error").Inc()

		return fmt.Errorf("%w: %s: %d", errUnexpectedStatus, f.spec.Name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListBytes))
	if err != nil {
		metrics.ListRefreshTotal.WithLabelValues(f.spec.Name, "error").Inc()

		return fmt.Errorf("read domain list %s: %w", f.spec.Name, err)
	}

	domains := strings.Split(string(body), "\n")
	f.m.Update(domains)

	metrics.ListRefreshTotal.WithLabelValues(f.spec.Name, "ok").Inc()
	log.Info().Str("list", f.spec.Name).Int("domains", len(domains)).Msg("domain list updated")

	return nil
}

// Flusher persists dirty manual lists. One Run call is one scheduler
// iteration; a failed dump keeps the list dirty for the next tick.
type Flusher struct {
	lists map[string]*matcher.PersistentMatcher
}

func (r *Registry) NewFlusher() *Flusher {
	return &Flusher{lists: r.ManualMatchers()}
}

func (f *Flusher) Run(ctx context.Context) error {
	var errs []error

	for name, pm := range f.lists {
		if !pm.Dirty() {
			continue
		}

		if err := pm.Dump(); err != nil {
			errs = append(errs, err)

			continue
		}

		zerolog.Ctx(ctx).Debug().Str("list", name).Str("file", pm.Path()).Msg("manual list saved")
	}

	return errors.Join(errs...)
}
