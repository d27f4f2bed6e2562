// Package httpapi is the HTTP/WS surface the core exposes to its hosting
// process: signals, model inspection, order routing, mode switching,
// snapshots and the conflated quote stream.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/elitesignals/elite/internal/config"
	"github.com/elitesignals/elite/internal/marketdata"
	"github.com/elitesignals/elite/internal/orders"
	"github.com/elitesignals/elite/internal/pipeline"
	"github.com/elitesignals/elite/internal/portfolio"
	"github.com/elitesignals/elite/internal/telemetry"
)

const signalRequestTimeout = 30 * time.Second

// Server owns the router and the http.Server lifecycle.
type Server struct {
	core      *pipeline.Core
	orders    *orders.Router
	snapshots *portfolio.Store
	stream    *marketdata.Stream
	metrics   *telemetry.Metrics

	router     *mux.Router
	httpServer *http.Server
}

// NewServer wires the handlers. Any dependency may be exercised immediately;
// none are lazily initialised.
func NewServer(cfg config.HTTPConfig, core *pipeline.Core, orderRouter *orders.Router,
	snapshots *portfolio.Store, stream *marketdata.Stream, metrics *telemetry.Metrics) *Server {

	s := &Server{
		core:      core,
		orders:    orderRouter,
		snapshots: snapshots,
		stream:    stream,
		metrics:   metrics,
		router:    mux.NewRouter(),
	}
	s.routes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.loggingMiddleware, s.recoveryMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	s.router.HandleFunc("/signals/{symbol}", s.handleSignal).Methods(http.MethodGet)
	s.router.HandleFunc("/signals/{symbol}/history", s.handleSignalHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	s.router.HandleFunc("/models/{id}/performance", s.handlePerformance).Methods(http.MethodGet)
	s.router.HandleFunc("/orders", s.handlePlaceOrder).Methods(http.MethodPost)
	s.router.HandleFunc("/orders/{id}", s.handleGetOrder).Methods(http.MethodGet)
	s.router.HandleFunc("/mode", s.handleMode).Methods(http.MethodPost)
	s.router.HandleFunc("/portfolio/snapshots", s.handleSnapshots).Methods(http.MethodGet)
	s.router.HandleFunc("/quotes", s.handleQuotesWS).Methods(http.MethodGet)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", rec.status).Dur("elapsed", time.Since(start)).
			Msg("request handled")
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				writeJSON(w, http.StatusInternalServerError,
					errorBody{Error: "Internal", Message: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"mode":              s.orders.Mode(),
		"registry_readonly": s.core.Registry().ReadOnly(),
	})
}
