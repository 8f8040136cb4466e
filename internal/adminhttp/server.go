// Package adminhttp serves the operator API: live resolution events
// over SSE, manual list editing, route inspection and metrics.
package adminhttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/unrolled/secure"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/admitrievsky/freeroute/internal/config"
	"github.com/admitrievsky/freeroute/internal/domainlists"
	"github.com/admitrievsky/freeroute/internal/events"
	"github.com/admitrievsky/freeroute/internal/routing"
)

const (
	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// staticDirCandidates is probed in order; the first existing directory
// is served at the root.
//
//nolint:gochecknoglobals
var staticDirCandidates = []string{"static", "ui/build"}

// Server is the operator HTTP API.
type Server struct {
	addr     string
	router   *mux.Router
	registry *domainlists.Registry
	policy   *routing.Router
	manager  *routing.Manager
	bus      *events.Bus
}

func NewServer(
	cfg *config.Config,
	registry *domainlists.Registry,
	policy *routing.Router,
	manager *routing.Manager,
	bus *events.Bus,
) *Server {
	s := &Server{
		addr:     fmt.Sprintf(":%d", cfg.APIPort),
		router:   mux.NewRouter(),
		registry: registry,
		policy:   policy,
		manager:  manager,
		bus:      bus,
	}

	s.routes()

	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/event-log", s.handleEventLog).Methods(http.MethodGet)
	api.HandleFunc("/domain-lists", s.handleListNames).Methods(http.MethodGet)
	api.HandleFunc("/domain-lists/{name}", s.handleListContents).Methods(http.MethodGet)
	api.HandleFunc("/domain-lists/{name}", s.handleListAdd).Methods(http.MethodPost)
	api.HandleFunc("/domain-lists/{name}", s.handleListRemove).Methods(http.MethodDelete)
	api.HandleFunc("/routes", s.handleRoutes).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	for _, dir := range staticDirCandidates {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			s.router.PathPrefix("/").Handler(http.FileServer(http.Dir(dir)))

			break
		}
	}
}

// Handler exposes the bare route table, without the middleware chain.
func (s *Server) Handler() http.Handler { return s.router }

// middleware wraps the router with the shared HTTP plumbing: request
// ids and access logs, panic recovery, CORS, security headers and
// otel instrumentation.
func (s *Server) middleware(ctx context.Context) http.Handler {
	log := zerolog.Ctx(ctx)

	var handler http.Handler = s.router

	handler = chimw.Recoverer(handler)

	handler = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("http request")
	})(handler)
	handler = hlog.RequestIDHandler("request_id", "X-Request-Id")(handler)
	handler = hlog.NewHandler(*log)(handler)

	handler = chimw.RealIP(handler)
	handler = cors.AllowAll().Handler(handler)

	secureMW := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
	})
	handler = secureMW.Handler(handler)

	return otelhttp.NewHandler(handler, "adminhttp")
}

// Start binds the listener (failure is fatal to startup) and serves
// until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind api %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.middleware(ctx),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		// no write timeout: the event-log stream is long-lived
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	log := zerolog.Ctx(ctx)
	log.Info().Str("addr", s.addr).Msg("http api listening")

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err(err).Msg("http api server error")
		}
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	return nil
}
