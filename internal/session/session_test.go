package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lexiqai/voice-console/internal/audio"
	"github.com/lexiqai/voice-console/internal/config"
	"github.com/lexiqai/voice-console/internal/tts"
	"github.com/lexiqai/voice-console/internal/voice"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("k8s.io/klog/v2.(*flushDaemon).run.func1"))
}

// micRecognizer reports one final result per chunk read from the session microphone
type micRecognizer struct {
	mic   *audio.Microphone
	stops *atomic.Int32
}

type micSession struct {
	capture *audio.Capture
	stops   *atomic.Int32
}

func (s *micSession) Stop() error {
	s.stops.Add(1)
	return s.capture.Close()
}

func (r *micRecognizer) Recognize(ctx context.Context, opts voice.RecognitionOptions, events voice.RecognitionEvents) (voice.RecognitionSession, error) {
	capture, err := r.mic.Open()
	if err != nil {
		return nil, &voice.RecognitionError{Code: "audio-capture", Err: err}
	}
	events.OnStart()
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := capture.Read(buf)
			if err != nil {
				return
			}
			events.OnResult(voice.RecognitionResult{Transcript: fmt.Sprintf("heard %d bytes", n), Confidence: 1, IsFinal: true})
		}
	}()
	return &micSession{capture: capture, stops: r.stops}, nil
}

// clipSynth plays a fixed clip through the session player. When set, spoken
// receives each utterance and played each Play result.
type clipSynth struct {
	player tts.Player
	spoken chan voice.Utterance
	played chan error
}

func (s *clipSynth) Voices(ctx context.Context) ([]voice.Voice, error) {
	return []voice.Voice{{ID: "v-1", Name: "Narrator", Language: "en", Default: true}}, nil
}

func (s *clipSynth) Speak(ctx context.Context, u voice.Utterance) error {
	if s.spoken != nil {
		s.spoken <- u
	}
	err := s.player.Play(ctx, &tts.AudioClip{
		ID:         uuid.NewString(),
		Data:       []byte{1, 2, 3, 4},
		Encoding:   config.EncodingPCM,
		SampleRate: 24000,
		Channels:   1,
		Pitch:      u.Pitch,
	})
	if s.played != nil {
		s.played <- err
	}
	return err
}

func testDeps(stops *atomic.Int32) Deps {
	return Deps{
		Config: &config.Config{
			MicBufferSize:     4096,
			PermissionTimeout: 1,
		},
		Defaults: voice.DefaultSettings(),
		Recognizer: func(mic *audio.Microphone, logger zerolog.Logger) voice.Recognizer {
			return &micRecognizer{mic: mic, stops: stops}
		},
		Synthesizer: func(player tts.Player, logger zerolog.Logger) voice.Synthesizer {
			return &clipSynth{player: player}
		},
	}
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, deps Deps, header http.Header) (*testClient, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(HandleVoiceWS(deps))
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	if err != nil {
		return nil, resp, err
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}, resp, nil
}

func connect(t *testing.T, deps Deps) *testClient {
	t.Helper()
	c, _, err := dial(t, deps, nil)
	require.NoError(t, err)
	c.expect(TypeCapabilities)
	c.expect(TypeState)
	return c
}

func (c *testClient) send(msg ClientMessage) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

func (c *testClient) sendRaw(msg string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func (c *testClient) next() (int, []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	kind, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	return kind, data
}

// expect reads until a JSON message of the given type arrives
func (c *testClient) expect(typ string) ServerMessage {
	c.t.Helper()
	for {
		kind, data := c.next()
		if kind != websocket.TextMessage {
			continue
		}
		var msg ServerMessage
		require.NoError(c.t, json.Unmarshal(data, &msg))
		if msg.Type == typ {
			return msg
		}
	}
}

// expectState reads state messages until one satisfies match
func (c *testClient) expectState(match func(voice.State) bool) voice.State {
	c.t.Helper()
	for {
		msg := c.expect(TypeState)
		if match(*msg.State) {
			return *msg.State
		}
	}
}

func TestSession_AnnouncesCapabilitiesAndState(t *testing.T) {
	c, _, err := dial(t, testDeps(&atomic.Int32{}), nil)
	require.NoError(t, err)

	caps := c.expect(TypeCapabilities)
	assert.Equal(t, &voice.Support{SpeechRecognition: true, SpeechSynthesis: true}, caps.Capabilities)

	state := c.expect(TypeState)
	assert.Equal(t, voice.State{}, *state.State)
}

func TestSession_AbsentProviders(t *testing.T) {
	deps := testDeps(&atomic.Int32{})
	deps.Recognizer = nil
	deps.Synthesizer = nil
	c := connect(t, deps)

	c.send(ClientMessage{Type: TypeCapabilities, ID: "c1"})
	caps := c.expect(TypeCapabilities)
	assert.Equal(t, "c1", caps.ID)
	assert.Equal(t, &voice.Support{}, caps.Capabilities)

	c.send(ClientMessage{Type: TypeSpeak, ID: "s1", Text: "hello"})
	done := c.expect(TypeSpeakDone)
	assert.Equal(t, "s1", done.ID)

	c.send(ClientMessage{Type: TypeVoices, ID: "v1"})
	voices := c.expect(TypeVoices)
	assert.Equal(t, "v1", voices.ID)
	assert.Empty(t, voices.Voices)
}

func TestSession_PermissionGranted(t *testing.T) {
	c := connect(t, testDeps(&atomic.Int32{}))

	c.send(ClientMessage{Type: TypeRequestPermission, ID: "p1"})
	req := c.expect(TypePermissionRequest)
	require.NotEmpty(t, req.ID)
	c.send(ClientMessage{Type: TypePermission, ID: req.ID, Granted: true})

	c.expectState(func(s voice.State) bool { return s.HasPermission })
	result := c.expect(TypePermissionResult)
	assert.Equal(t, "p1", result.ID)
	require.NotNil(t, result.Granted)
	assert.True(t, *result.Granted)
}

func TestSession_PermissionDenied(t *testing.T) {
	c := connect(t, testDeps(&atomic.Int32{}))

	c.send(ClientMessage{Type: TypeRequestPermission, ID: "p1"})
	req := c.expect(TypePermissionRequest)
	c.send(ClientMessage{Type: TypePermission, ID: req.ID, Granted: false})

	errMsg := c.expect(TypeError)
	assert.Equal(t, voice.MsgPermissionDenied, errMsg.Error)
	result := c.expect(TypePermissionResult)
	require.NotNil(t, result.Granted)
	assert.False(t, *result.Granted)
}

func TestSession_PermissionTimeout(t *testing.T) {
	c := connect(t, testDeps(&atomic.Int32{}))

	c.send(ClientMessage{Type: TypeRequestPermission, ID: "p1"})
	c.expect(TypePermissionRequest)

	errMsg := c.expect(TypeError)
	assert.Equal(t, voice.MsgPermissionDenied, errMsg.Error)
}

func TestSession_ListeningStreamsMicrophone(t *testing.T) {
	stops := &atomic.Int32{}
	c := connect(t, testDeps(stops))

	c.send(ClientMessage{Type: TypeStartListening})
	c.expectState(func(s voice.State) bool { return s.IsListening })

	require.NoError(t, c.conn.WriteMessage(websocket.BinaryMessage, make([]byte, 100)))
	result := c.expect(TypeResult)
	assert.Equal(t, "heard 100 bytes", result.Result.Transcript)
	assert.True(t, result.Result.IsFinal)

	c.send(ClientMessage{Type: TypeStopListening})
	c.expectState(func(s voice.State) bool { return !s.IsListening })
	assert.Eventually(t, func() bool { return stops.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSession_DecodesMulawMicrophone(t *testing.T) {
	deps := testDeps(&atomic.Int32{})
	deps.Config.MicEncoding = config.EncodingMulaw
	c := connect(t, deps)

	c.send(ClientMessage{Type: TypeStartListening})
	c.expectState(func(s voice.State) bool { return s.IsListening })

	require.NoError(t, c.conn.WriteMessage(websocket.BinaryMessage, make([]byte, 100)))
	result := c.expect(TypeResult)
	assert.Equal(t, "heard 200 bytes", result.Result.Transcript, "each μ-law byte becomes one 16-bit sample")
}

// droppedAudioBytes reads the dropped microphone byte counter
func droppedAudioBytes(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "voice_console_audio_bytes_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "direction" && l.GetValue() == "dropped" {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestSession_CountsMicrophoneOverflow(t *testing.T) {
	c := connect(t, testDeps(&atomic.Int32{}))
	before := droppedAudioBytes(t)

	c.send(ClientMessage{Type: TypeStartListening})
	c.expectState(func(s voice.State) bool { return s.IsListening })

	// The buffer holds 4096 bytes, so one 6000 byte frame overflows it
	require.NoError(t, c.conn.WriteMessage(websocket.BinaryMessage, make([]byte, 6000)))
	c.send(ClientMessage{Type: TypeCapabilities, ID: "sync"})
	c.expect(TypeCapabilities)

	assert.InDelta(t, 1904, droppedAudioBytes(t)-before, 1e-9)
}

func TestSession_SettingsDisableRecognition(t *testing.T) {
	stops := &atomic.Int32{}
	c := connect(t, testDeps(stops))

	c.sendRaw(`{"type":"settings","settings":{"enable_speech_recognition":false}}`)
	c.send(ClientMessage{Type: TypeStartListening})
	c.send(ClientMessage{Type: TypeVoices, ID: "sync"})

	for {
		kind, data := c.next()
		require.Equal(t, websocket.TextMessage, kind)
		var msg ServerMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == TypeState {
			assert.False(t, msg.State.IsListening)
		}
		if msg.Type == TypeVoices {
			break
		}
	}
	assert.Zero(t, stops.Load())
}

func TestSession_PartialSettingsKeepCurrentValues(t *testing.T) {
	synth := &clipSynth{spoken: make(chan voice.Utterance, 1)}
	deps := testDeps(&atomic.Int32{})
	deps.Synthesizer = func(player tts.Player, logger zerolog.Logger) voice.Synthesizer {
		synth.player = player
		return synth
	}
	c := connect(t, deps)

	c.sendRaw(`{"type":"settings","settings":{"pitch":1.5}}`)
	c.send(ClientMessage{Type: TypeSpeak, ID: "s1", Text: "hello"})

	var u voice.Utterance
	select {
	case u = <-synth.spoken:
	case <-time.After(3 * time.Second):
		t.Fatal("utterance never reached the synthesizer")
	}
	assert.InDelta(t, 1.5, u.Pitch, 1e-9)
	assert.InDelta(t, 1.0, u.Volume, 1e-9)
	assert.InDelta(t, 1.0, u.Rate, 1e-9)
	assert.Equal(t, "en-US", u.Language)

	playback := c.expect(TypePlayback)
	assert.InDelta(t, 1.5, playback.Clip.Pitch, 1e-9)
}

func TestSession_MalformedSettingsIgnored(t *testing.T) {
	c := connect(t, testDeps(&atomic.Int32{}))

	c.sendRaw(`{"type":"settings","settings":{"volume":"loud"}}`)
	c.sendRaw(`{"type":"settings"}`)
	c.send(ClientMessage{Type: TypeSpeak, ID: "s1", Text: "hello"})

	// Speech is still enabled, so the clip is played
	playback := c.expect(TypePlayback)
	assert.NotEmpty(t, playback.ID)
}

func TestSession_SpeakPlaysClip(t *testing.T) {
	c := connect(t, testDeps(&atomic.Int32{}))

	c.send(ClientMessage{Type: TypeSpeak, ID: "s1", Text: "hello"})
	c.expectState(func(s voice.State) bool { return s.IsSpeaking })

	playback := c.expect(TypePlayback)
	require.NotNil(t, playback.Clip)
	assert.Equal(t, playback.ID, playback.Clip.ID)
	assert.Equal(t, "pcm_s16le", playback.Clip.Encoding)

	kind, data := c.next()
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)

	c.send(ClientMessage{Type: TypePlaybackDone, ID: playback.ID})
	c.expectState(func(s voice.State) bool { return !s.IsSpeaking })
	done := c.expect(TypeSpeakDone)
	assert.Equal(t, "s1", done.ID)
}

func TestSession_PlaybackFailureReportsError(t *testing.T) {
	c := connect(t, testDeps(&atomic.Int32{}))

	c.send(ClientMessage{Type: TypeSpeak, ID: "s1", Text: "hello"})
	playback := c.expect(TypePlayback)
	c.send(ClientMessage{Type: TypePlaybackDone, ID: playback.ID, Error: "audio device lost"})

	errMsg := c.expect(TypeError)
	assert.Equal(t, "Speech synthesis error: client playback failed: audio device lost", errMsg.Error)
	c.expect(TypeSpeakDone)
}

func TestSession_StopSpeaking(t *testing.T) {
	c := connect(t, testDeps(&atomic.Int32{}))

	c.send(ClientMessage{Type: TypeSpeak, ID: "s1", Text: "hello"})
	playback := c.expect(TypePlayback)

	c.send(ClientMessage{Type: TypeStopSpeaking})
	stop := c.expect(TypePlaybackStop)
	assert.Equal(t, playback.ID, stop.ID)
	done := c.expect(TypeSpeakDone)
	assert.Equal(t, "s1", done.ID)
}

func TestSession_Voices(t *testing.T) {
	c := connect(t, testDeps(&atomic.Int32{}))

	c.send(ClientMessage{Type: TypeVoices, ID: "v1"})
	msg := c.expect(TypeVoices)

	assert.Equal(t, "v1", msg.ID)
	assert.Equal(t, []voice.Voice{{ID: "v-1", Name: "Narrator", Language: "en", Default: true}}, msg.Voices)
}

func TestSession_DisconnectStopsRecognition(t *testing.T) {
	stops := &atomic.Int32{}
	c := connect(t, testDeps(stops))

	c.send(ClientMessage{Type: TypeStartListening})
	c.expectState(func(s voice.State) bool { return s.IsListening })

	require.NoError(t, c.conn.Close())

	assert.Eventually(t, func() bool { return stops.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSession_DisconnectCancelsPlayback(t *testing.T) {
	synth := &clipSynth{played: make(chan error, 1)}
	deps := testDeps(&atomic.Int32{})
	deps.Synthesizer = func(player tts.Player, logger zerolog.Logger) voice.Synthesizer {
		synth.player = player
		return synth
	}
	c := connect(t, deps)

	c.send(ClientMessage{Type: TypeSpeak, ID: "s1", Text: "hello"})
	c.expect(TypePlayback)
	require.NoError(t, c.conn.Close())

	select {
	case err := <-synth.played:
		assert.ErrorIs(t, err, context.Canceled, "playback cut short by a disconnect is a cancellation")
	case <-time.After(3 * time.Second):
		t.Fatal("playback did not end after disconnect")
	}
}

func TestHandleVoiceWS_RejectsPlainRequest(t *testing.T) {
	handler := HandleVoiceWS(testDeps(&atomic.Int32{}))

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/voice", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSession_OriginCheck(t *testing.T) {
	deps := testDeps(&atomic.Int32{})
	deps.Config.AllowedOrigins = []string{"https://app.example.com"}

	_, resp, err := dial(t, deps, http.Header{"Origin": []string{"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	c, _, err := dial(t, deps, http.Header{"Origin": []string{"https://APP.example.com"}})
	require.NoError(t, err)
	c.expect(TypeCapabilities)
}

func TestSession_IgnoresMalformedMessages(t *testing.T) {
	c := connect(t, testDeps(&atomic.Int32{}))

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	c.send(ClientMessage{Type: "dance"})
	c.send(ClientMessage{Type: TypePermission, ID: "unknown", Granted: true})
	c.send(ClientMessage{Type: TypePlaybackDone, ID: "unknown"})

	c.send(ClientMessage{Type: TypeCapabilities, ID: "alive"})
	msg := c.expect(TypeCapabilities)
	assert.Equal(t, "alive", msg.ID)
}

func TestNewDeps_ProvidersFollowKeys(t *testing.T) {
	cfg := &config.Config{DeepgramAPIKey: "dg"}
	deps := NewDeps(cfg, config.DefaultVoiceDefaults(), nil, nil)

	assert.NotNil(t, deps.Recognizer)
	assert.Nil(t, deps.Synthesizer)
	assert.Equal(t, "en-US", deps.Defaults.Language)
	assert.InDelta(t, 1.0, deps.Defaults.Rate, 1e-9)
}

func TestSettingsFromDefaults_Normalizes(t *testing.T) {
	d := config.DefaultVoiceDefaults()
	d.Volume = 3
	d.Language = ""
	d.Voice = "Narrator"

	s := SettingsFromDefaults(d)

	assert.InDelta(t, 1.0, s.Volume, 1e-9)
	assert.Equal(t, "en-US", s.Language)
	assert.Equal(t, "Narrator", s.Voice)
}
