package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"github.com/lexiqai/voice-console/internal/config"
	"github.com/lexiqai/voice-console/internal/observability"
	"github.com/lexiqai/voice-console/internal/resilience"
	"github.com/lexiqai/voice-console/internal/session"
	"github.com/lexiqai/voice-console/internal/tts"
)

// newRouter mounts the voice WebSocket and the operational endpoints
func newRouter(cfg *config.Config, deps session.Deps, checks []observability.DependencyCheck) http.Handler {
	logger := observability.GetLogger()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Connection attempts are limited per client; an open session is not
	r.With(httprate.LimitByIP(cfg.UpgradeRateLimit, time.Minute)).
		Get("/voice", session.HandleVoiceWS(deps))

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins(cfg),
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
		r.Use(hlog.NewHandler(logger))
		r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", duration).
				Msg("HTTP request")
		}))

		r.Get("/health", observability.HealthCheckHandler())
		r.Get("/ready", observability.ReadinessHandler(checks...))

		// Metrics endpoint (Prometheus)
		if cfg.MetricsEnabled {
			r.Handle("/metrics", promhttp.Handler())
			logger.Info().Msg("Prometheus metrics enabled at /metrics")
		}
	})

	return r
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.AllowedOrigins
}

// readinessChecks reports a disabled provider as disabled rather than unhealthy
func readinessChecks(cfg *config.Config, deepgramBreaker, cartesiaBreaker *resilience.CircuitBreaker) []observability.DependencyCheck {
	deepgram := observability.DependencyCheck{Name: "deepgram"}
	if cfg.RecognitionEnabled() {
		// Opening a live stream is billed, so readiness follows the breaker
		deepgram.Check = func(ctx context.Context) (bool, error) {
			state, requests, failures, rate := deepgramBreaker.GetStats()
			if state == resilience.StateOpen {
				return false, fmt.Errorf("deepgram: %w (%d of %d requests failed, %.0f%%)",
					resilience.ErrCircuitOpen, failures, requests, rate)
			}
			return true, nil
		}
	}

	cartesia := observability.DependencyCheck{Name: "cartesia"}
	if cfg.SynthesisEnabled() {
		probe := tts.NewCartesiaSynthesizer(cfg, nil, cartesiaBreaker, observability.GetLogger())
		cartesia.Check = func(ctx context.Context) (bool, error) {
			if err := probe.Health(ctx); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	return []observability.DependencyCheck{deepgram, cartesia}
}
