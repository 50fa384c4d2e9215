package tts

import "context"

// AudioClip is one synthesized utterance ready for playback
type AudioClip struct {
	ID         string  `json:"id"`
	Data       []byte  `json:"-"`
	Encoding   string  `json:"encoding"`    // pcm_s16le or mulaw
	SampleRate int     `json:"sample_rate"` // Hz
	Channels   int     `json:"channels"`
	Pitch      float64 `json:"pitch"` // applied by the client; 1 is unchanged
}

// Player plays clips on the client. Play blocks until playback has finished,
// failed, or ctx was cancelled; on cancellation the client must stop playing.
type Player interface {
	Play(ctx context.Context, clip *AudioClip) error
}

// ttsRequest is the body of POST /tts/bytes
type ttsRequest struct {
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Voice        voiceSpec    `json:"voice"`
	OutputFormat outputFormat `json:"output_format"`
	Language     string       `json:"language,omitempty"`
}

type voiceSpec struct {
	Mode     string         `json:"mode"`
	ID       string         `json:"id"`
	Controls *voiceControls `json:"__experimental_controls,omitempty"`
}

type voiceControls struct {
	Speed float64 `json:"speed"` // -1 slowest, 0 normal, 1 fastest
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// cartesiaVoice is one entry of GET /voices
type cartesiaVoice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Language    string `json:"language"`
	IsPublic    bool   `json:"is_public"`
}
