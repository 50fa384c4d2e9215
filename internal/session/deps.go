package session

import (
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-console/internal/audio"
	"github.com/lexiqai/voice-console/internal/config"
	"github.com/lexiqai/voice-console/internal/resilience"
	"github.com/lexiqai/voice-console/internal/stt"
	"github.com/lexiqai/voice-console/internal/tts"
	"github.com/lexiqai/voice-console/internal/voice"
)

// RecognizerFactory builds a session's recognizer over its microphone
type RecognizerFactory func(mic *audio.Microphone, logger zerolog.Logger) voice.Recognizer

// SynthesizerFactory builds a session's synthesizer over its player
type SynthesizerFactory func(player tts.Player, logger zerolog.Logger) voice.Synthesizer

// Deps is what every session on a server shares. A nil factory leaves the
// capability out, and clients see it as unsupported.
type Deps struct {
	Config      *config.Config
	Defaults    voice.Settings
	Recognizer  RecognizerFactory
	Synthesizer SynthesizerFactory
}

// NewDeps wires Deepgram and Cartesia for every provider with an API key
func NewDeps(cfg *config.Config, defaults config.VoiceDefaults, deepgram, cartesia *resilience.CircuitBreaker) Deps {
	deps := Deps{
		Config:   cfg,
		Defaults: SettingsFromDefaults(defaults),
	}
	if cfg.RecognitionEnabled() {
		deps.Recognizer = func(mic *audio.Microphone, logger zerolog.Logger) voice.Recognizer {
			return stt.NewDeepgramRecognizer(cfg, mic, deepgram, logger)
		}
	}
	if cfg.SynthesisEnabled() {
		deps.Synthesizer = func(player tts.Player, logger zerolog.Logger) voice.Synthesizer {
			return tts.NewCartesiaSynthesizer(cfg, player, cartesia, logger)
		}
	}
	return deps
}

// SettingsFromDefaults converts file-level defaults into controller settings
func SettingsFromDefaults(d config.VoiceDefaults) voice.Settings {
	return voice.Settings{
		EnableSpeechRecognition: d.EnableSpeechRecognition,
		EnableTextToSpeech:      d.EnableTextToSpeech,
		Language:                d.Language,
		Continuous:              d.Continuous,
		InterimResults:          d.InterimResults,
		Voice:                   d.Voice,
		Rate:                    d.Rate,
		Pitch:                   d.Pitch,
		Volume:                  d.Volume,
	}.Normalize()
}
