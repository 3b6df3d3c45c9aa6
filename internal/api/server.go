package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/meetassist/scribe-engine/internal/config"
	"github.com/meetassist/scribe-engine/internal/database"
	"github.com/meetassist/scribe-engine/internal/metrics"
	"github.com/meetassist/scribe-engine/internal/mqttbridge"
	"github.com/meetassist/scribe-engine/internal/pipeline"
	"github.com/meetassist/scribe-engine/internal/quota"
	"github.com/meetassist/scribe-engine/internal/storage"
	"github.com/meetassist/scribe-engine/internal/transcript"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, ctrl *pipeline.Controller, bus *transcript.EventBus, q *quota.Client, db *database.DB, store storage.AudioStore, mqtt *mqttbridge.Bridge, version string, startTime time.Time, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log, ctrl.State))
	r.Use(CORS(cfg.CORSOrigin))
	r.Use(metrics.InstrumentHandler)

	// Unauthenticated: health and metrics scrape
	health := NewHealthHandler(ctrl, db, mqtt, q, version, startTime)
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))

		NewSessionHandler(ctrl, q, db, store).Routes(r)
		NewEventsHandler(bus).Routes(r)
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
