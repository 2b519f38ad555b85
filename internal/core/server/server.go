// Package server wires the HTTP routes and runs the listener.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/cartodb-layer/internal/core/config"
	"github.com/mohammed-shakir/cartodb-layer/internal/core/health"
	middleware "github.com/mohammed-shakir/cartodb-layer/internal/core/middleware"
	"github.com/mohammed-shakir/cartodb-layer/internal/core/router"
	"github.com/mohammed-shakir/cartodb-layer/pkg/layer"
)

type Deps struct {
	Bounds layer.BoundsSource
	// Events may be nil, in which case posted events are acknowledged and dropped.
	Events router.EventSink
	Ready  map[string]health.Check
}

func NewHandler(cfg config.Config, logger *slog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Ready))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/tilejson", router.HandleTileJSON(logger, cfg))
	if d.Bounds != nil {
		r.Get("/bounds", router.HandleBounds(logger, cfg, d.Bounds))
	}
	r.Post("/events", router.HandleEvents(logger, d.Events, cfg.Events.H3Res))
	return r
}

// Run serves until ctx is done.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, d Deps) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(cfg, logger, d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
