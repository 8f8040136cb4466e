package adminhttp

import (
	"fmt"
	"net/http"

	"github.com/go-chi/render"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"github.com/admitrievsky/freeroute/internal/matcher"
	"github.com/admitrievsky/freeroute/internal/metrics"
)

type domainRequest struct {
	Domain string `json:"domain"`
}

// handleEventLog streams resolve events as Server-Sent-Events until the
// client disconnects.
func (s *Server) handleEventLog(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)

		return
	}

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			hlog.FromRequest(r).Debug().Str("remote", r.RemoteAddr).Msg("event-log client disconnected")

			return
		case data := <-sub:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				hlog.FromRequest(r).Debug().Err(err).Str("remote", r.RemoteAddr).Msg("event-log connection reset")

				return
			}

			flusher.Flush()
		}
	}
}

func (s *Server) handleListNames(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.registry.ManualNames())
}

// manualList resolves the {name} path variable; unknown names 404.
func (s *Server) manualList(w http.ResponseWriter, r *http.Request) (*matcher.PersistentMatcher, bool) {
	name := mux.Vars(r)["name"]

	pm, ok := s.registry.Manual(name)
	if !ok {
		http.NotFound(w, r)

		return nil, false
	}

	return pm, true
}

func (s *Server) handleListContents(w http.ResponseWriter, r *http.Request) {
	pm, ok := s.manualList(w, r)
	if !ok {
		return
	}

	render.JSON(w, r, pm.GetAll())
}

func (s *Server) handleListAdd(w http.ResponseWriter, r *http.Request) {
	pm, ok := s.manualList(w, r)
	if !ok {
		return
	}

	var req domainRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil || req.Domain == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "domain required"})

		return
	}

	pm.Add(req.Domain)
	s.policy.ReRoute(r.Context(), req.Domain)

	render.JSON(w, r, "ok")
}

func (s *Server) handleListRemove(w http.ResponseWriter, r *http.Request) {
	pm, ok := s.manualList(w, r)
	if !ok {
		return
	}

	var req domainRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil || req.Domain == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "domain required"})

		return
	}

	pm.Remove(req.Domain)
	s.policy.ReRoute(r.Context(), req.Domain)

	render.JSON(w, r, "ok")
}

// handleRoutes returns the raw kernel route table together with the
// route manager's cached addresses per interface.
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	out, err := s.manager.Routes(r.Context())
	if err != nil {
		render.Status(r, http.StatusBadGateway)
		render.JSON(w, r, map[string]string{"error": err.Error()})

		return
	}

	render.JSON(w, r, map[string]any{
		"raw":    out,
		"cached": s.manager.CachedRoutes(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, metrics.Snapshot())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}
