package voice

import (
	"context"
	"io"
)

// PermissionProvider grants access to the microphone. The returned stream is
// only proof of access; the controller closes it right away.
type PermissionProvider interface {
	RequestMicrophone(ctx context.Context) (io.Closer, error)
}

// RecognitionOptions are fixed for the lifetime of one recognition session.
type RecognitionOptions struct {
	Language       string
	Continuous     bool
	InterimResults bool
}

// RecognitionEvents receives a recognition session's events. Providers may call
// it from any goroutine, but must not call it after OnError or OnEnd.
type RecognitionEvents interface {
	OnStart()
	OnSpeechStart()
	OnSpeechEnd()
	OnResult(RecognitionResult)
	OnError(err error)
	OnEnd()
}

// RecognitionSession is a running recognition session.
type RecognitionSession interface {
	// Stop ends the session. It is safe to call more than once.
	Stop() error
}

// Recognizer is a speech-to-text capability.
type Recognizer interface {
	Recognize(ctx context.Context, opts RecognitionOptions, events RecognitionEvents) (RecognitionSession, error)
}

// Synthesizer is a text-to-speech capability.
type Synthesizer interface {
	Voices(ctx context.Context) ([]Voice, error)

	// Speak blocks until the utterance has finished playing, failed, or ctx
	// was cancelled.
	Speak(ctx context.Context, u Utterance) error
}

// Capabilities are the providers a host exposes. A nil provider means the
// capability is absent and the matching controller operations degrade to no-ops.
type Capabilities struct {
	Microphone  PermissionProvider
	Recognizer  Recognizer
	Synthesizer Synthesizer
}

// Support reports which capabilities are present.
func (c Capabilities) Support() Support {
	return Support{
		SpeechRecognition: c.Recognizer != nil,
		SpeechSynthesis:   c.Synthesizer != nil,
	}
}
