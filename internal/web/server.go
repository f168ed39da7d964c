package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sensor-emulator/internal/config"
	"sensor-emulator/internal/metrics"
	"sensor-emulator/internal/registry"
)

type Server struct {
	http    *http.Server
	reg     *registry.Store
	log     *slog.Logger
	started time.Time
}

func New(cfg config.AdminConfig, reg *registry.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		reg:     reg,
		log:     logger.With("component", "admin"),
		started: time.Now(),
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware("admin"))
	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/devices", s.handleDevices)
	r.Get("/api/v1/devices/{name}", s.handleDevice)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("listening", "addr", "http://"+s.http.Addr)
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shCtx); err != nil {
		s.log.Warn("shutdown error", "error", err)
	} else {
		s.log.Info("stopped")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
