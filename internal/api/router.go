// Package api exposes the conversion service over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/trackshift/platform/converter/internal/convert"
)

// Converter runs one conversion request.
type Converter interface {
	Convert(ctx context.Context, req convert.Request) (*convert.Result, error)
}

// Config wires the router. Converter and Logger are required; the rest
// are optional.
type Config struct {
	Converter Converter
	Logger    zerolog.Logger

	// Gatherer backs GET /metrics. Nil disables the endpoint.
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string

	// RateLimitRPS of zero disables per-client limiting of POST /convert.
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter builds the HTTP handler. ctx bounds background housekeeping
// such as rate limiter eviction.
func NewRouter(ctx context.Context, cfg Config) http.Handler {
	h := &handler{conv: cfg.Converter}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(cfg.Logger))
	r.Use(requestIDLogger)
	r.Use(hlog.AccessHandler(accessLog))
	r.Use(recoverer)
	r.Use(corsMiddleware(cfg.AllowedOrigins))
	r.Use(middleware.Compress(5))

	r.Get("/health", h.handleHealth)
	r.Group(func(r chi.Router) {
		if cfg.RateLimitRPS > 0 {
			r.Use(rateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst))
		}
		r.Post("/convert", h.handleConvert)
	})
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func accessLog(r *http.Request, status, size int, d time.Duration) {
	hlog.FromRequest(r).Info().
		Str("method", r.Method).
		Stringer("url", r.URL).
		Str("remote_addr", r.RemoteAddr).
		Int("status", status).
		Int("size", size).
		Dur("duration", d).
		Msg("http request")
}
