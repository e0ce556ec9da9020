// Package status exposes the HTTP status and metrics endpoints: a JSON
// view of tracker progress plus the Prometheus scrape handler when
// telemetry is enabled.
package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/stitchd/stitch/cfg"
	"github.com/stitchd/stitch/telemetry"
	"github.com/stitchd/stitch/track"
)

// Reporter provides a point-in-time tracker status. *track.Tracker[T]
// satisfies it for any T.
type Reporter interface {
	Status() track.Status
}

// Server serves the status API.
type Server struct {
	mu        sync.Mutex
	reporters []Reporter
	startedAt time.Time
	srv       *http.Server
}

// NewServer creates a status server over the given trackers.
func NewServer(reporters ...Reporter) *Server {
	return &Server{
		reporters: reporters,
		startedAt: time.Now(),
	}
}

// Register adds a tracker to the status view.
func (s *Server) Register(r Reporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reporters = append(s.reporters, r)
}

// Router builds the chi router serving the status API.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Route("/status", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/", s.handleStatus)
		r.Get("/trackers", s.handleTrackers)
		r.Get("/trackers/{category}", s.handleTracker)
	})

	if h := telemetry.GetMetricsHandler(); h != nil {
		r.Handle("/metrics", h)
	}

	return r
}

// Start begins serving on the configured bind address. Returns
// immediately; ListenAndServe runs on its own goroutine.
func (s *Server) Start() error {
	if !cfg.Config.Status.Enabled {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", cfg.Config.Status.BindAddress, cfg.Config.Status.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("address", addr).Msg("Status endpoint enabled")
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Status server failed")
		}
	}()
	return nil
}

// Stop shuts the server down, waiting up to the given timeout for
// in-flight requests.
func (s *Server) Stop(timeout time.Duration) {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Status server shutdown failed")
	}
}

func (s *Server) statuses() []track.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]track.Status, 0, len(s.reporters))
	for _, r := range s.reporters {
		out = append(out, r.Status())
	}
	return out
}
