package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Audio encodings accepted for microphone input and synthesized output
const (
	EncodingPCM   = "pcm_s16le"
	EncodingMulaw = "mulaw"
)

// Config holds all configuration for the voice console service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service, used only when logging the WebSocket endpoint.
	// Optional; if unset, logs ws://localhost:PORT/voice.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Origins allowed to open the voice WebSocket. Empty allows any origin.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`

	// WebSocket upgrades allowed per client IP per minute
	UpgradeRateLimit int `envconfig:"UPGRADE_RATE_LIMIT" default:"30"`

	// Deepgram STT. Recognition is reported unsupported when the key is empty.
	DeepgramAPIKey         string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel          string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`           // nova-2, enhanced, base
	DeepgramUtteranceEndMs string `envconfig:"DEEPGRAM_UTTERANCE_END_MS" default:"1000"` // silence before UtteranceEnd

	// Cartesia TTS. Synthesis is reported unsupported when the key is empty.
	CartesiaAPIKey     string `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaAPIURL     string `envconfig:"CARTESIA_API_URL" default:"https://api.cartesia.ai"`
	CartesiaVersion    string `envconfig:"CARTESIA_VERSION" default:"2024-06-10"`
	CartesiaModelID    string `envconfig:"CARTESIA_MODEL_ID" default:"sonic-english"`
	CartesiaVoiceID    string `envconfig:"CARTESIA_VOICE_ID" default:"a0e99841-438c-4a64-b679-ae501e7d6091"` // used when no voice is selected
	CartesiaSampleRate int    `envconfig:"CARTESIA_SAMPLE_RATE" default:"24000"`
	VoiceCacheTTL      int    `envconfig:"VOICE_CACHE_TTL" default:"600"` // seconds

	// Audio configuration
	MicSampleRate       int     `envconfig:"MIC_SAMPLE_RATE" default:"16000"`          // linear16 mono from the client
	MicBufferSize       int     `envconfig:"MIC_BUFFER_SIZE" default:"65536"`          // ring buffer size in bytes
	MicEncoding         string  `envconfig:"MIC_ENCODING" default:"pcm_s16le"`         // pcm_s16le or mulaw frames from the client
	AudioOutputEncoding string  `envconfig:"AUDIO_OUTPUT_ENCODING" default:"pcm_s16le"` // pcm_s16le or mulaw
	VADEnergyThreshold  float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"`
	VADSilenceFrames    int     `envconfig:"VAD_SILENCE_FRAMES" default:"25"` // 20ms frames of silence to mark speech end

	// Session configuration
	PermissionTimeout int    `envconfig:"PERMISSION_TIMEOUT" default:"30"` // seconds to wait for the client's answer
	VoiceSettingsFile string `envconfig:"VOICE_SETTINGS_FILE" default:""`  // optional YAML voice defaults

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"250"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // console output for development
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // expose /metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot check on its own
func (c *Config) Validate() error {
	switch c.AudioOutputEncoding {
	case EncodingPCM, EncodingMulaw:
	default:
		return fmt.Errorf("AUDIO_OUTPUT_ENCODING must be %q or %q, got %q", EncodingPCM, EncodingMulaw, c.AudioOutputEncoding)
	}

	switch c.MicEncoding {
	case EncodingPCM, EncodingMulaw:
	default:
		return fmt.Errorf("MIC_ENCODING must be %q or %q, got %q", EncodingPCM, EncodingMulaw, c.MicEncoding)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return fmt.Errorf("LOG_LEVEL %q is not a known level", c.LogLevel)
	}

	if c.MicSampleRate <= 0 {
		return fmt.Errorf("MIC_SAMPLE_RATE must be positive")
	}
	if c.MicBufferSize < 2 {
		return fmt.Errorf("MIC_BUFFER_SIZE must be at least 2 bytes")
	}

	return nil
}

// RecognitionEnabled reports whether a speech recognition provider is configured
func (c *Config) RecognitionEnabled() bool {
	return c.DeepgramAPIKey != ""
}

// SynthesisEnabled reports whether a speech synthesis provider is configured
func (c *Config) SynthesisEnabled() bool {
	return c.CartesiaAPIKey != ""
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
