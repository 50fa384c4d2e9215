package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-console/internal/audio"
	"github.com/lexiqai/voice-console/internal/config"
	"github.com/lexiqai/voice-console/internal/observability"
	"github.com/lexiqai/voice-console/internal/resilience"
	"github.com/lexiqai/voice-console/internal/voice"
)

// mulawSampleRate is the rate μ-law clips are delivered at
const mulawSampleRate = 8000

// CartesiaSynthesizer implements voice.Synthesizer over Cartesia's HTTP API
type CartesiaSynthesizer struct {
	config     *config.Config
	player     Player
	breaker    *resilience.CircuitBreaker
	httpClient *http.Client
	logger     zerolog.Logger
	retry      *resilience.RetryConfig

	mu       sync.Mutex
	voices   []voice.Voice
	cachedAt time.Time
}

// NewCartesiaSynthesizer creates a synthesizer that plays through player.
// The breaker is shared by every session talking to Cartesia.
func NewCartesiaSynthesizer(cfg *config.Config, player Player, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *CartesiaSynthesizer {
	return &CartesiaSynthesizer{
		config:     cfg,
		player:     player,
		breaker:    breaker,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "cartesia").Logger(),
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}
}

// Voices lists Cartesia voices. The list is cached for VOICE_CACHE_TTL seconds.
func (c *CartesiaSynthesizer) Voices(ctx context.Context) ([]voice.Voice, error) {
	ttl := time.Duration(c.config.VoiceCacheTTL) * time.Second

	c.mu.Lock()
	if c.voices != nil && time.Since(c.cachedAt) < ttl {
		voices := c.voices
		c.mu.Unlock()
		return voices, nil
	}
	c.mu.Unlock()

	var listed []cartesiaVoice
	err := c.call(ctx, func(ctx context.Context) error {
		body, err := c.do(ctx, http.MethodGet, "/voices/", nil)
		if err != nil {
			return err
		}
		listed = nil
		if err := json.Unmarshal(body, &listed); err != nil {
			return fmt.Errorf("failed to decode voices: %w", err)
		}
		return nil
	})
	if err != nil {
		observability.RecordProviderError("voices", "cartesia")
		return nil, err
	}

	voices := make([]voice.Voice, 0, len(listed))
	for _, v := range listed {
		voices = append(voices, voice.Voice{
			ID:       v.ID,
			Name:     v.Name,
			Language: v.Language,
			Default:  v.ID == c.config.CartesiaVoiceID,
		})
	}

	c.mu.Lock()
	c.voices = voices
	c.cachedAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug().Int("count", len(voices)).Msg("Cartesia voices refreshed")
	return voices, nil
}

// Speak synthesizes u and blocks until the player has finished with it
func (c *CartesiaSynthesizer) Speak(ctx context.Context, u voice.Utterance) error {
	if strings.TrimSpace(u.Text) == "" {
		return nil
	}

	started := time.Now()
	pcm, err := c.synthesize(ctx, u)
	if err != nil {
		return err
	}
	observability.ObserveSynthesisLatency(time.Since(started))

	clip, err := c.clip(u, pcm)
	if err != nil {
		return err
	}

	c.logger.Debug().
		Str("utterance_id", u.ID).
		Str("clip_id", clip.ID).
		Int("bytes", len(clip.Data)).
		Str("encoding", clip.Encoding).
		Msg("Playing synthesized audio")
	return c.player.Play(ctx, clip)
}

// synthesize fetches raw 16-bit PCM for u
func (c *CartesiaSynthesizer) synthesize(ctx context.Context, u voice.Utterance) ([]byte, error) {
	req := ttsRequest{
		ModelID:    c.config.CartesiaModelID,
		Transcript: u.Text,
		Voice:      voiceSpec{Mode: "id", ID: c.config.CartesiaVoiceID},
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   config.EncodingPCM,
			SampleRate: c.config.CartesiaSampleRate,
		},
		Language: primaryLanguage(u.Language),
	}
	if u.Voice != nil && u.Voice.ID != "" {
		req.Voice.ID = u.Voice.ID
	}
	if speed := rateToSpeed(u.Rate); speed != 0 {
		req.Voice.Controls = &voiceControls{Speed: speed}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var pcm []byte
	err = c.call(ctx, func(ctx context.Context) error {
		body, err := c.do(ctx, http.MethodPost, "/tts/bytes", payload)
		if err != nil {
			return err
		}
		pcm = body
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			observability.RecordProviderError("synthesize", "cartesia")
		}
		return nil, err
	}
	if len(pcm) < 2 {
		return nil, fmt.Errorf("cartesia returned empty audio")
	}
	return pcm, nil
}

// clip applies volume and converts to the configured output encoding
func (c *CartesiaSynthesizer) clip(u voice.Utterance, pcm []byte) (*AudioClip, error) {
	clip := &AudioClip{
		ID:         uuid.NewString(),
		Data:       audio.ApplyGain(pcm[:len(pcm)&^1], u.Volume),
		Encoding:   config.EncodingPCM,
		SampleRate: c.config.CartesiaSampleRate,
		Channels:   1,
		Pitch:      u.Pitch,
	}

	if c.config.AudioOutputEncoding == config.EncodingMulaw {
		data, err := audio.ConvertPCMToPCMU(clip.Data, clip.SampleRate, mulawSampleRate)
		if err != nil {
			return nil, fmt.Errorf("failed to convert audio: %w", err)
		}
		clip.Data = data
		clip.Encoding = config.EncodingMulaw
		clip.SampleRate = mulawSampleRate
	}
	return clip, nil
}

// call runs fn behind the circuit breaker, retrying transient failures
func (c *CartesiaSynthesizer) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.breaker.Call(func() error {
		return resilience.Retry(ctx, fn, c.retry, resilience.IsRetryableNetworkError)
	})
}

// do performs one Cartesia request and returns the response body. 5xx and 429
// responses are marked retryable.
func (c *CartesiaSynthesizer) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.config.CartesiaAPIURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.config.CartesiaAPIKey)
	req.Header.Set("Cartesia-Version", c.config.CartesiaVersion)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read cartesia response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("cartesia returned status %d: %s", resp.StatusCode, strings.TrimSpace(truncate(string(data), 200)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, resilience.NewRetryableError(statusErr)
		}
		return nil, statusErr
	}
	return data, nil
}

// Health reports whether Cartesia answers the voices endpoint
func (c *CartesiaSynthesizer) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/voices/", nil)
	return err
}

// rateToSpeed maps a speaking rate in [0.1, 10] to Cartesia's [-1, 1] speed control
func rateToSpeed(rate float64) float64 {
	if rate <= 0 || rate == 1 {
		return 0
	}
	speed := rate - 1
	if speed > 1 {
		speed = 1
	}
	return speed
}

// primaryLanguage turns "en-US" into "en"
func primaryLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
