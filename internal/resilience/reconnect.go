package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of connection attempts
	Backoff     time.Duration // Wait after the first failed attempt
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 3,
		Backoff:     250 * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  5 * time.Second,
	}
}

// Reconnect calls fn until it succeeds, ctx ends or attempts run out.
// The last connection error is wrapped in the returned error.
func Reconnect(ctx context.Context, logger zerolog.Logger, fn func() error, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	attempts := max(config.MaxAttempts, 1)
	backoff := config.Backoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Msg("Connected after retry")
			}
			return nil
		}
		if attempt == attempts {
			break
		}

		logger.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("backoff", backoff).
			Msg("Connection attempt failed, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("failed to connect after %d attempts: %w", attempts, lastErr)
}
