package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// VoiceDefaults are the voice settings a new session starts with.
// Clients replace them wholesale with a settings message.
type VoiceDefaults struct {
	EnableSpeechRecognition bool    `yaml:"enable_speech_recognition"`
	EnableTextToSpeech      bool    `yaml:"enable_text_to_speech"`
	Language                string  `yaml:"language"`
	Continuous              bool    `yaml:"continuous"`
	InterimResults          bool    `yaml:"interim_results"`
	Voice                   string  `yaml:"voice"`
	Rate                    float64 `yaml:"rate"`
	Pitch                   float64 `yaml:"pitch"`
	Volume                  float64 `yaml:"volume"`
}

// DefaultVoiceDefaults returns the built-in voice defaults
func DefaultVoiceDefaults() VoiceDefaults {
	return VoiceDefaults{
		EnableSpeechRecognition: true,
		EnableTextToSpeech:      true,
		Language:                "en-US",
		Continuous:              false,
		InterimResults:          true,
		Rate:                    1.0,
		Pitch:                   1.0,
		Volume:                  1.0,
	}
}

// LoadVoiceDefaults reads voice defaults from a YAML file.
// Keys missing from the file keep their built-in values. An empty path
// returns the built-in defaults.
func LoadVoiceDefaults(path string) (VoiceDefaults, error) {
	defaults := DefaultVoiceDefaults()
	if path == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return defaults, fmt.Errorf("failed to read voice settings file: %w", err)
	}

	if err := yaml.Unmarshal(data, &defaults); err != nil {
		return DefaultVoiceDefaults(), fmt.Errorf("failed to parse voice settings file %s: %w", path, err)
	}

	return defaults, nil
}
