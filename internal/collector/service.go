// Package collector provides the HTTP service that receives sessions.
package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/solvetrace/internal/collector/sse"
	"github.com/thebtf/solvetrace/internal/remote"
)

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 8 << 20

// Service serves the session collection API on top of a remote.Store.
type Service struct {
	version     string
	store       remote.Store
	broadcaster *sse.Broadcaster
	router      *chi.Mux
	server      *http.Server
	startTime   time.Time
	ready       atomic.Bool
}

// New creates a Service backed by store.
func New(version string, store remote.Store) *Service {
	svc := &Service{
		version:     version,
		store:       store,
		broadcaster: sse.NewBroadcaster(),
		router:      chi.NewRouter(),
		startTime:   time.Now(),
	}
	svc.setupRoutes()
	svc.ready.Store(true)
	return svc
}

func (s *Service) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLogger)

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/stream", s.broadcaster.ServeHTTP)

	s.router.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/events", s.handleAppendEvents)
			r.Put("/summary", s.handleFinalizeSummary)
		})
	})
}

// Handler returns the service's HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Broadcaster returns the activity stream.
func (s *Service) Broadcaster() *sse.Broadcaster {
	return s.broadcaster
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Service) ListenAndServe(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("version", s.version).Msg("Collector listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve collector: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown collector: %w", err)
	}
	log.Info().Msg("Collector stopped")
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
