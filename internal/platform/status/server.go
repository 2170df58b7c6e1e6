// Package status serves the read-only run progress endpoint. It carries
// pool health and summary counters only; no patient data ever crosses it.
package status

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/deid/internal/pipeline"
	"github.com/ehr/deid/internal/platform/db"
)

// Server exposes /health and /status while a pipeline run is in flight.
type Server struct {
	echo *echo.Echo
	log  zerolog.Logger
}

// New builds the server around a live summary and the destination pool.
func New(summary *pipeline.Summary, pool *pgxpool.Pool, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/health", db.HealthHandler(pool))
	e.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, summary.Snapshot())
	})

	return &Server{echo: e, log: log.With().Str("component", "status").Logger()}
}

// Start serves on addr until Shutdown. Errors other than a clean close are
// logged, not fatal: the status surface must never take the pipeline down.
func (s *Server) Start(addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.log.Warn().Err(err).Msg("status server stopped")
		}
	}()
	s.log.Info().Str("addr", addr).Msg("status server listening")
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("status server shutdown")
	}
}
