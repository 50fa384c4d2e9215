// Package voice hosts the voice controller: one per UI surface, wrapping a
// speech recognition provider and a speech synthesis provider behind a single
// state object and one set of callbacks.
package voice

// Settings configure a controller. A Settings value is a snapshot; callers
// replace it wholesale with Controller.UpdateSettings.
type Settings struct {
	EnableSpeechRecognition bool    `json:"enable_speech_recognition"`
	EnableTextToSpeech      bool    `json:"enable_text_to_speech"`
	Language                string  `json:"language"`
	Continuous              bool    `json:"continuous"`
	InterimResults          bool    `json:"interim_results"`
	Voice                   string  `json:"voice,omitempty"` // voice name; empty uses the provider default
	Rate                    float64 `json:"rate"`
	Pitch                   float64 `json:"pitch"`
	Volume                  float64 `json:"volume"`
}

// DefaultSettings returns single-shot en-US recognition with interim results
// and neutral synthesis parameters.
func DefaultSettings() Settings {
	return Settings{
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

// Normalize clamps synthesis parameters into their accepted ranges and fills
// an empty language.
func (s Settings) Normalize() Settings {
	if s.Language == "" {
		s.Language = "en-US"
	}
	s.Rate = clamp(s.Rate, 0.1, 10)
	s.Pitch = clamp(s.Pitch, 0, 2)
	s.Volume = clamp(s.Volume, 0, 1)
	return s
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// State is the controller's observable state. Subscribers always receive a
// complete copy.
type State struct {
	IsListening   bool   `json:"is_listening"`
	IsRecognizing bool   `json:"is_recognizing"`
	IsSpeaking    bool   `json:"is_speaking"`
	HasPermission bool   `json:"has_permission"`
	Error         string `json:"error,omitempty"`
}

// RecognitionResult is one recognized fragment. It is delivered once and not kept.
type RecognitionResult struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
}

// Callbacks receive controller notifications. Nil fields are skipped.
// Callbacks run one at a time, in the order the events happened, and may call
// back into the controller.
type Callbacks struct {
	OnStateChange func(State)
	OnResult      func(RecognitionResult)
	OnError       func(string)
}

// Support reports which capabilities the host exposes.
type Support struct {
	SpeechRecognition bool `json:"speech_recognition"`
	SpeechSynthesis   bool `json:"speech_synthesis"`
}

// Voice is a synthesis voice offered by a provider.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
	Default  bool   `json:"default,omitempty"`
}

// Utterance is one synthesis request.
type Utterance struct {
	ID       string
	Text     string
	Voice    *Voice // nil selects the provider default
	Language string
	Rate     float64
	Pitch    float64
	Volume   float64
}
