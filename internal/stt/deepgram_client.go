package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-console/internal/audio"
	"github.com/lexiqai/voice-console/internal/config"
	"github.com/lexiqai/voice-console/internal/observability"
	"github.com/lexiqai/voice-console/internal/resilience"
	"github.com/lexiqai/voice-console/internal/voice"
)

// readChunk is 100ms of 16kHz linear16
const readChunk = 3200

// DeepgramRecognizer streams a session microphone to Deepgram live transcription
type DeepgramRecognizer struct {
	config  *config.Config
	mic     *audio.Microphone
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
	dial    dialFunc
}

// NewDeepgramRecognizer creates a recognizer reading from mic. The breaker is
// shared by every session talking to Deepgram.
func NewDeepgramRecognizer(cfg *config.Config, mic *audio.Microphone, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *DeepgramRecognizer {
	return &DeepgramRecognizer{
		config:  cfg,
		mic:     mic,
		breaker: breaker,
		logger:  logger.With().Str("component", "deepgram").Logger(),
		dial:    dialDeepgram,
	}
}

// Recognize opens the microphone, connects to Deepgram and starts streaming.
// OnStart has fired by the time it returns without error.
func (d *DeepgramRecognizer) Recognize(ctx context.Context, opts voice.RecognitionOptions, events voice.RecognitionEvents) (voice.RecognitionSession, error) {
	capture, err := d.mic.Open()
	if err != nil {
		return nil, &voice.RecognitionError{Code: CodeAudioCapture, Err: err}
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &deepgramSession{
		opts:    opts,
		events:  events,
		capture: capture,
		vad:     audio.NewVADDetector(audio.NewVADConfig(d.config.VADEnergyThreshold, d.config.VADSilenceFrames, d.config.MicSampleRate)),
		breaker: d.breaker,
		logger:  d.logger.With().Str("language", opts.Language).Logger(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       opts.Language,
		Punctuate:      true,
		InterimResults: opts.InterimResults,
		UtteranceEndMs: d.config.DeepgramUtteranceEndMs,
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.config.MicSampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		session:                s,
	}

	reconnectConfig := &resilience.ReconnectConfig{
		MaxAttempts: d.config.ReconnectMaxAttempts,
		Backoff:     time.Duration(d.config.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  5 * time.Second,
	}

	var stream liveStream
	err = d.breaker.Call(func() error {
		return resilience.Reconnect(sctx, s.logger, func() error {
			var err error
			stream, err = d.dial(sctx, d.config.DeepgramAPIKey, tOptions, callback)
			if err != nil {
				return fmt.Errorf("failed to create Deepgram client: %w", err)
			}
			if !stream.Connect() {
				stream.Finish()
				return errConnectFailed
			}
			return nil
		}, reconnectConfig)
	})
	if err != nil {
		cancel()
		_ = capture.Close()
		observability.RecordProviderError("connect", "deepgram")
		observability.IncrementCircuitBreakerFailures("deepgram")
		return nil, &voice.RecognitionError{Code: CodeNetwork, Err: err}
	}
	s.stream = stream

	s.logger.Info().
		Str("model", d.config.DeepgramModel).
		Bool("continuous", opts.Continuous).
		Msg("Deepgram streaming session started")

	events.OnStart()
	go s.pump()
	return s, nil
}

// deepgramSession is one Deepgram live connection fed by one microphone capture
type deepgramSession struct {
	opts    voice.RecognitionOptions
	events  voice.RecognitionEvents
	stream  liveStream
	capture *audio.Capture
	vad     *audio.VADDetector // pump goroutine only
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
	cancel  context.CancelFunc
	done    chan struct{}

	// evMu orders event delivery so nothing follows a terminal event
	evMu   sync.Mutex
	mu     sync.Mutex
	ended  bool
	stopMu sync.Once
}

// Stop ends the session without reporting a terminal event. It does not wait
// for the stream to drain, so it is safe to call from an event callback.
func (s *deepgramSession) Stop() error {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.shutdown()
	return nil
}

// shutdown closes the capture; the pump then finishes the Deepgram stream
func (s *deepgramSession) shutdown() {
	s.stopMu.Do(func() {
		_ = s.capture.Close()
	})
}

// pump copies microphone audio to Deepgram until the capture closes
func (s *deepgramSession) pump() {
	defer close(s.done)
	defer s.cancel()
	defer s.stream.Finish()

	buf := make([]byte, readChunk)
	var sent int64
	for {
		n, err := s.capture.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			s.vad.Feed(chunk, s.speechBoundary)
			if _, werr := s.stream.Write(chunk); werr != nil {
				s.breaker.RecordResult(false)
				observability.RecordProviderError("write", "deepgram")
				s.fail(&voice.RecognitionError{Code: CodeNetwork, Err: werr})
				return
			}
			sent += int64(n)
		}
		if err != nil {
			s.logger.Debug().Int64("bytes_sent", sent).Msg("Deepgram audio pump finished")
			return
		}
	}
}

func (s *deepgramSession) speechBoundary(ev audio.VADEvent) {
	switch ev {
	case audio.VADSpeechStart:
		s.emit(s.events.OnSpeechStart)
	case audio.VADSpeechEnd:
		s.emit(s.events.OnSpeechEnd)
	}
}

// emit delivers a non-terminal event unless the session has ended
func (s *deepgramSession) emit(fn func()) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.isEnded() {
		return
	}
	fn()
}

// terminate marks the session ended and delivers fn as its last event
func (s *deepgramSession) terminate(fn func()) {
	s.evMu.Lock()
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.evMu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()
	s.shutdown()
	fn()
	s.evMu.Unlock()
}

func (s *deepgramSession) end() {
	s.terminate(s.events.OnEnd)
}

func (s *deepgramSession) fail(err error) {
	s.logger.Warn().Err(err).Msg("Deepgram session failed")
	s.terminate(func() { s.events.OnError(err) })
}

func (s *deepgramSession) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// handleMessage maps a transcript to a recognition result. A single-shot
// session ends after its first final result.
func (s *deepgramSession) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}

	alt := msg.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return
	}
	if !msg.IsFinal && !s.opts.InterimResults {
		return
	}

	s.emit(func() {
		s.events.OnResult(voice.RecognitionResult{
			Transcript: alt.Transcript,
			Confidence: alt.Confidence,
			IsFinal:    msg.IsFinal,
		})
	})

	if msg.IsFinal {
		s.logger.Debug().Float64("confidence", alt.Confidence).Msg("Deepgram final transcription")
		if !s.opts.Continuous {
			s.end()
		}
	}
}

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	session *deepgramSession
}

func (m *messageCallbackHandler) Open(or *msginterfaces.OpenResponse) error {
	m.session.logger.Debug().Msg("Deepgram connection opened")
	return nil
}

// Message forwards transcriptions to the session
func (m *messageCallbackHandler) Message(mr *msginterfaces.MessageResponse) error {
	m.session.handleMessage(mr)
	return nil
}

func (m *messageCallbackHandler) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	m.session.logger.Debug().Msg("Deepgram: speech started")
	return nil
}

// UtteranceEnd ends a single-shot session once the speaker has gone quiet
func (m *messageCallbackHandler) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	if !m.session.opts.Continuous {
		m.session.end()
	}
	return nil
}

// Close reports a server-side close as the natural end of the session
func (m *messageCallbackHandler) Close(cr *msginterfaces.CloseResponse) error {
	m.session.logger.Debug().Msg("Deepgram connection closed")
	m.session.end()
	return nil
}

// Error overrides the default handler to fail the session
func (m *messageCallbackHandler) Error(er *msginterfaces.ErrorResponse) error {
	m.session.breaker.RecordResult(false)
	observability.RecordProviderError("stream", "deepgram")
	observability.IncrementCircuitBreakerFailures("deepgram")

	code := CodeNetwork
	if er != nil && (er.ErrCode == "401" || strings.Contains(strings.ToLower(er.ErrMsg), "unauthorized")) {
		code = CodeNotAllowed
	}
	var detail string
	if er != nil {
		detail = strings.TrimSpace(er.ErrMsg + " " + er.Description)
	}
	m.session.fail(&voice.RecognitionError{Code: code, Err: fmt.Errorf("deepgram: %s", detail)})
	return nil
}
