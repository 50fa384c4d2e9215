package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lexiqai/voice-console/internal/config"
	"github.com/lexiqai/voice-console/internal/observability"
	"github.com/lexiqai/voice-console/internal/resilience"
	"github.com/lexiqai/voice-console/internal/session"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	defaults, err := config.LoadVoiceDefaults(cfg.VoiceSettingsFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.VoiceSettingsFile).Msg("Failed to load voice settings")
	}

	logger.Info().
		Str("port", cfg.Port).
		Bool("speech_recognition", cfg.RecognitionEnabled()).
		Bool("speech_synthesis", cfg.SynthesisEnabled()).
		Str("language", defaults.Language).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Console Service starting")

	// Breakers are shared by every session so a provider outage trips once
	deepgramBreaker := newBreaker(cfg, "deepgram")
	cartesiaBreaker := newBreaker(cfg, "cartesia")

	deps := session.NewDeps(cfg, defaults, deepgramBreaker, cartesiaBreaker)
	router := newRouter(cfg, deps, readinessChecks(cfg, deepgramBreaker, cartesiaBreaker))

	// No WriteTimeout: voice sessions are long-lived WebSockets
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", voiceEndpoint(cfg)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

func newBreaker(cfg *config.Config, name string) *resilience.CircuitBreaker {
	logger := observability.GetLogger()
	return resilience.NewCircuitBreaker(name,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		resilience.WithStateChange(func(name string, state resilience.CircuitState) {
			observability.UpdateCircuitBreakerState(name, int(state))
			logger.Warn().Str("service", name).Str("state", state.String()).Msg("Circuit breaker state changed")
		}),
	)
}

// voiceEndpoint is the URL clients connect to, for the startup log
func voiceEndpoint(cfg *config.Config) string {
	if cfg.PublicURL != "" {
		return cfg.PublicURL + "/voice"
	}
	return fmt.Sprintf("ws://localhost:%s/voice", cfg.Port)
}
