// Package adminapi exposes the operator-facing HTTP surface: health, build
// version, a status snapshot, and Prometheus metrics. It never carries
// device telemetry -- that's the streaming server's job (spec §4.9).
package adminapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BuildInfo carries the version metadata reported by /version and baked
// into the motioncore_build_info gauge.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// StatusProvider supplies the /status snapshot. The coordinator is the
// production implementation.
type StatusProvider interface {
	StatusSnapshot() any
}

// Config configures the admin router.
type Config struct {
	Logger  *slog.Logger
	Build   BuildInfo
	Status  StatusProvider
}

func (c *Config) validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Status == nil {
		return errors.New("status provider is required")
	}
	return nil
}

// NewRouter builds the chi router for the admin HTTP surface.
func NewRouter(cfg Config) (http.Handler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(cfg.Logger, w, cfg.Build)
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(cfg.Logger, w, cfg.Status.StatusSnapshot())
	})

	r.Handle("/metrics", promhttp.Handler())

	return r, nil
}

func writeJSON(log *slog.Logger, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("admin api json encode failed", "err", err)
	}
}
