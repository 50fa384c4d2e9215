package session

import (
	"encoding/json"

	"github.com/lexiqai/voice-console/internal/tts"
	"github.com/lexiqai/voice-console/internal/voice"
)

// Client → server message types
const (
	TypeSettings          = "settings"
	TypeRequestPermission = "request_permission"
	TypePermission        = "permission"
	TypeStartListening    = "start_listening"
	TypeStopListening     = "stop_listening"
	TypeSpeak             = "speak"
	TypeStopSpeaking      = "stop_speaking"
	TypeVoices            = "voices"
	TypeCapabilities      = "capabilities"
	TypePlaybackDone      = "playback_done"
)

// Server → client message types
const (
	TypeState             = "state"
	TypeResult            = "result"
	TypeError             = "error"
	TypePermissionRequest = "permission_request"
	TypePermissionResult  = "permission_result"
	TypeSpeakDone         = "speak_done"
	TypePlayback          = "playback" // followed by one binary frame with the clip's audio
	TypePlaybackStop      = "playback_stop"
)

// ClientMessage is a JSON command from the client. Binary frames carry
// microphone audio and are not ClientMessages.
type ClientMessage struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"` // echoed in the reply
	Settings json.RawMessage `json:"settings,omitempty"` // partial voice.Settings merged over the current ones
	Text     string          `json:"text,omitempty"`
	Granted  bool            `json:"granted,omitempty"`
	Error    string          `json:"error,omitempty"` // playback_done: why playback failed
}

// ServerMessage is a JSON event sent to the client
type ServerMessage struct {
	Type         string                   `json:"type"`
	ID           string                   `json:"id,omitempty"`
	State        *voice.State             `json:"state,omitempty"`
	Result       *voice.RecognitionResult `json:"result,omitempty"`
	Error        string                   `json:"error,omitempty"`
	Granted      *bool                    `json:"granted,omitempty"`
	Voices       []voice.Voice            `json:"voices,omitempty"`
	Capabilities *voice.Support           `json:"capabilities,omitempty"`
	Clip         *tts.AudioClip           `json:"clip,omitempty"`
}
