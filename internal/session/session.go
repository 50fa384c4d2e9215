package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-console/internal/audio"
	"github.com/lexiqai/voice-console/internal/config"
	"github.com/lexiqai/voice-console/internal/observability"
	"github.com/lexiqai/voice-console/internal/tts"
	"github.com/lexiqai/voice-console/internal/voice"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// errSessionClosed wraps context.Canceled so work cut short by a disconnect
// counts as cancelled, not failed.
var errSessionClosed = fmt.Errorf("session closed: %w", context.Canceled)

// newUpgrader accepts connections from the allowed origins. Requests without
// an Origin header are not from a browser and are always accepted.
func newUpgrader(allowed []string) websocket.Upgrader {
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimSpace(o); o != "" {
			origins[strings.ToLower(o)] = true
		}
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if len(origins) == 0 || origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return origins[strings.ToLower(u.Scheme+"://"+u.Host)]
		},
	}
}

// Session is one connected client and the voice controller it drives
type Session struct {
	id         string
	conn       *websocket.Conn
	config     *config.Config
	logger     zerolog.Logger
	metrics    *observability.SessionMetrics
	mic        *audio.Microphone
	controller *voice.Controller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu          sync.Mutex
	permissions map[string]chan bool
	playbacks   map[string]chan error
}

// HandleVoiceWS upgrades the request and runs a session until the client disconnects
func HandleVoiceWS(deps Deps) http.HandlerFunc {
	upgrader := newUpgrader(deps.Config.AllowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client
			logger := observability.GetLogger()
			logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection to WebSocket")
			return
		}

		s := newSession(conn, deps, r.RemoteAddr)
		s.run()
	}
}

func newSession(conn *websocket.Conn, deps Deps, remoteAddr string) *Session {
	id := uuid.NewString()
	logger := observability.SessionLogger(id, remoteAddr)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:          id,
		conn:        conn,
		config:      deps.Config,
		logger:      logger,
		metrics:     observability.NewSessionMetrics(id),
		mic:         audio.NewMicrophone(deps.Config.MicBufferSize),
		ctx:         ctx,
		cancel:      cancel,
		permissions: make(map[string]chan bool),
		playbacks:   make(map[string]chan error),
	}

	caps := voice.Capabilities{Microphone: s}
	if deps.Recognizer != nil {
		caps.Recognizer = deps.Recognizer(s.mic, logger)
	}
	if deps.Synthesizer != nil {
		caps.Synthesizer = deps.Synthesizer(s, logger)
	}

	s.controller = voice.NewController(caps, deps.Defaults,
		voice.WithLogger(logger),
		voice.WithMetrics(s.metrics),
		voice.WithCallbacks(voice.Callbacks{
			OnStateChange: func(st voice.State) {
				s.send(ServerMessage{Type: TypeState, State: &st})
			},
			OnResult: func(r voice.RecognitionResult) {
				s.send(ServerMessage{Type: TypeResult, Result: &r})
			},
			OnError: func(msg string) {
				s.send(ServerMessage{Type: TypeError, Error: msg})
			},
		}),
	)
	return s
}

// run serves the connection and tears the session down when it ends
func (s *Session) run() {
	s.metrics.RecordSessionStart()
	s.logger.Info().Msg("Voice session connected")

	defer s.close()

	support := s.controller.Support()
	state := s.controller.State()
	s.send(ServerMessage{Type: TypeCapabilities, Capabilities: &support})
	s.send(ServerMessage{Type: TypeState, State: &state})

	s.spawn(s.pingLoop)
	s.readLoop()
}

func (s *Session) close() {
	// Destroy first so in-flight speech ends as cancelled and no callback fires
	s.controller.Destroy()
	s.cancel()
	_ = s.mic.Close()
	s.wg.Wait()
	_ = s.conn.Close()

	s.metrics.RecordSessionEnd()
	s.logger.Info().Msg("Voice session closed")
}

// spawn runs fn on its own goroutine; close waits for it
func (s *Session) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch kind {
		case websocket.BinaryMessage:
			s.handleAudio(data)
		case websocket.TextMessage:
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to parse client message")
				continue
			}
			s.handleMessage(msg)
		}
	}
}

// handleAudio feeds one microphone frame to the open capture. Frames that
// arrive while nothing is listening are discarded.
func (s *Session) handleAudio(data []byte) {
	if !s.mic.Capturing() {
		return
	}
	if s.config.MicEncoding == config.EncodingMulaw {
		pcm, err := audio.ConvertPCMUToPCM(data)
		if err != nil {
			s.logger.Debug().Err(err).Msg("Failed to decode microphone frame")
			return
		}
		data = pcm
	}

	before := s.mic.Dropped()
	if _, err := s.mic.Write(data); err != nil {
		s.logger.Debug().Err(err).Msg("Dropped microphone frame")
		return
	}
	s.metrics.RecordAudioBytes("in", int64(len(data)))
	if dropped := s.mic.Dropped() - before; dropped > 0 {
		s.metrics.RecordDroppedAudio(int64(dropped))
		s.logger.Debug().Int("bytes", dropped).Msg("Microphone buffer overflow")
	}
}

// handleMessage routes one command. Commands that wait on a provider or the
// client run on their own goroutine so the read loop keeps serving replies.
func (s *Session) handleMessage(msg ClientMessage) {
	ctx := s.ctx
	c := s.controller

	switch msg.Type {
	case TypeSettings:
		if len(msg.Settings) == 0 {
			s.logger.Warn().Msg("Settings message without settings")
			return
		}
		// Keys the client leaves out keep their current values
		settings := c.Settings()
		if err := json.Unmarshal(msg.Settings, &settings); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to parse settings")
			return
		}
		c.UpdateSettings(settings)

	case TypeRequestPermission:
		s.spawn(func() {
			granted := c.RequestPermission(ctx)
			s.send(ServerMessage{Type: TypePermissionResult, ID: msg.ID, Granted: &granted})
		})

	case TypePermission:
		s.resolvePermission(msg.ID, msg.Granted)

	case TypeStartListening:
		s.spawn(func() { c.StartListening(ctx) })

	case TypeStopListening:
		c.StopListening()

	case TypeSpeak:
		done := c.Speak(ctx, msg.Text)
		s.spawn(func() {
			<-done
			s.send(ServerMessage{Type: TypeSpeakDone, ID: msg.ID})
		})

	case TypeStopSpeaking:
		c.StopSpeaking()

	case TypeVoices:
		s.spawn(func() {
			voices := c.Voices(ctx)
			if voices == nil {
				voices = []voice.Voice{}
			}
			s.send(ServerMessage{Type: TypeVoices, ID: msg.ID, Voices: voices})
		})

	case TypeCapabilities:
		support := c.Support()
		s.send(ServerMessage{Type: TypeCapabilities, ID: msg.ID, Capabilities: &support})

	case TypePlaybackDone:
		var err error
		if msg.Error != "" {
			err = fmt.Errorf("client playback failed: %s", msg.Error)
		}
		s.resolvePlayback(msg.ID, err)

	default:
		s.logger.Warn().Str("type", msg.Type).Msg("Unknown client message type")
	}
}

// RequestMicrophone asks the client for microphone access and waits for its
// answer. No answer within PERMISSION_TIMEOUT counts as a denial.
func (s *Session) RequestMicrophone(ctx context.Context) (io.Closer, error) {
	id := uuid.NewString()
	answer := make(chan bool, 1)

	s.mu.Lock()
	s.permissions[id] = answer
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.permissions, id)
		s.mu.Unlock()
	}()

	if err := s.send(ServerMessage{Type: TypePermissionRequest, ID: id}); err != nil {
		return nil, err
	}

	timeout := time.Duration(s.config.PermissionTimeout) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case granted := <-answer:
		if !granted {
			return nil, voice.ErrPermissionDenied
		}
		return grant{s: s}, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no answer within %s", voice.ErrPermissionDenied, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, errSessionClosed
	}
}

func (s *Session) resolvePermission(id string, granted bool) {
	s.mu.Lock()
	answer, ok := s.permissions[id]
	delete(s.permissions, id)
	s.mu.Unlock()

	if !ok {
		s.logger.Debug().Str("request_id", id).Msg("Permission answer for unknown request")
		return
	}
	answer <- granted
}

// grant is the stream handle returned for a granted permission. Audio
// arrives over the socket, so there is nothing to release.
type grant struct {
	s *Session
}

func (g grant) Close() error {
	g.s.logger.Debug().Msg("Microphone permission stream released")
	return nil
}

// Play sends the clip to the client and waits until the client reports it
// played. Cancelling ctx tells the client to stop.
func (s *Session) Play(ctx context.Context, clip *tts.AudioClip) error {
	done := make(chan error, 1)
	s.mu.Lock()
	s.playbacks[clip.ID] = done
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.playbacks, clip.ID)
		s.mu.Unlock()
	}()

	if err := s.sendClip(clip); err != nil {
		return err
	}
	s.metrics.RecordAudioBytes("out", int64(len(clip.Data)))

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = s.send(ServerMessage{Type: TypePlaybackStop, ID: clip.ID})
		return ctx.Err()
	case <-s.ctx.Done():
		return errSessionClosed
	}
}

func (s *Session) resolvePlayback(id string, err error) {
	s.mu.Lock()
	done, ok := s.playbacks[id]
	delete(s.playbacks, id)
	s.mu.Unlock()

	if !ok {
		s.logger.Debug().Str("clip_id", id).Msg("Playback report for unknown clip")
		return
	}
	done <- err
}

// send writes one JSON message. Errors are logged and returned; the read
// loop notices a dead connection on its own.
func (s *Session) send(msg ServerMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeJSONLocked(msg)
}

// sendClip writes the playback header and its audio frame back to back
func (s *Session) sendClip(clip *tts.AudioClip) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.writeJSONLocked(ServerMessage{Type: TypePlayback, ID: clip.ID, Clip: clip}); err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, clip.Data); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write audio frame")
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

func (s *Session) writeJSONLocked(msg ServerMessage) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Str("type", msg.Type).Msg("Failed to write message")
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}

var (
	_ voice.PermissionProvider = (*Session)(nil)
	_ tts.Player               = (*Session)(nil)
)
