package voice

import (
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-console/internal/observability"
)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger. The default discards output.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics attaches a session metrics tracker.
func WithMetrics(m *observability.SessionMetrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithCallbacks registers callbacks at construction time.
func WithCallbacks(cb Callbacks) Option {
	return func(c *Controller) {
		c.callbacks = cb
	}
}

// notification is one queued callback invocation
type notification struct {
	state  *State
	result *RecognitionResult
	err    string
}

// Controller merges a recognition track and a synthesis track into one State
// and reports every change to the registered callbacks.
//
// At most one recognition session and one utterance are active at a time.
// Starting recognition while a session is active is a no-op; speaking while an
// utterance is in flight cancels it. None of the public methods return errors:
// failures land in State.Error and Callbacks.OnError.
type Controller struct {
	caps    Capabilities
	logger  zerolog.Logger
	metrics *observability.SessionMetrics

	mu          sync.Mutex
	settings    Settings
	callbacks   Callbacks
	state       State
	pending     []notification
	dispatching bool
	destroyed   bool

	// recognition track
	recGen      uint64
	recStarting bool
	recSession  RecognitionSession

	// synthesis track
	speech *activeUtterance // utterance whose end clears IsSpeaking
	tail   *activeUtterance // last utterance issued, possibly already cancelled
}

// NewController creates a controller over the given capabilities.
func NewController(caps Capabilities, settings Settings, opts ...Option) *Controller {
	c := &Controller{
		caps:     caps,
		logger:   zerolog.Nop(),
		settings: settings.Normalize(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UpdateSettings replaces the settings snapshot. Recognition picks up the new
// values at the next StartListening; synthesis at the next Speak.
func (c *Controller) UpdateSettings(s Settings) {
	s = s.Normalize()

	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()

	c.logger.Debug().
		Str("language", s.Language).
		Bool("continuous", s.Continuous).
		Bool("interim_results", s.InterimResults).
		Str("voice", s.Voice).
		Msg("Voice settings updated")
}

// Settings returns the current settings snapshot.
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// SetCallbacks replaces the registered callbacks. Ignored after Destroy.
func (c *Controller) SetCallbacks(cb Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.callbacks = cb
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Support reports which capabilities the host exposes. It has no side effects.
func (c *Controller) Support() Support {
	return c.caps.Support()
}

// RequestPermission asks the host for microphone access and releases the
// returned stream immediately. Denial is reported through State, never returned.
func (c *Controller) RequestPermission(ctx context.Context) bool {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return false
	}
	mic := c.caps.Microphone
	c.mu.Unlock()

	err := ErrNotSupported
	if mic != nil {
		var stream io.Closer
		stream, err = mic.RequestMicrophone(ctx)
		if err == nil && stream != nil {
			if cerr := stream.Close(); cerr != nil {
				c.logger.Warn().Err(cerr).Msg("Failed to release microphone stream")
			}
		}
	}
	granted := err == nil

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return granted
	}
	if granted {
		c.setStateLocked(func(s *State) { s.HasPermission = true })
	} else {
		c.failLocked(MsgPermissionDenied, func(s *State) { s.HasPermission = false })
	}
	c.mu.Unlock()
	c.dispatch()

	c.metrics.RecordPermission(granted)
	if !granted {
		c.metrics.RecordError("permission_denied", "microphone")
		c.logger.Info().Err(err).Msg("Microphone permission denied")
	}
	return granted
}

// Destroy stops recognition and synthesis and drops every callback. No callback
// starts after Destroy returns. Safe to call more than once.
func (c *Controller) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true

	session := c.recSession
	c.recSession = nil
	c.recStarting = false
	c.recGen++

	utterance := c.speech
	c.speech = nil

	c.state.IsListening = false
	c.state.IsRecognizing = false
	c.state.IsSpeaking = false
	c.pending = nil
	c.callbacks = Callbacks{}
	c.mu.Unlock()

	if session != nil {
		if err := session.Stop(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to stop recognition session on destroy")
		}
		c.metrics.RecordRecognition("stopped")
	}
	if utterance != nil {
		utterance.cancel()
	}

	c.logger.Debug().Msg("Voice controller destroyed")
}

// setStateLocked is the only place State changes. It queues a snapshot for the
// subscriber when the patch changed anything. Caller holds c.mu.
func (c *Controller) setStateLocked(patch func(*State)) {
	next := c.state
	patch(&next)
	if next == c.state {
		return
	}
	c.state = next
	snapshot := next
	c.pending = append(c.pending, notification{state: &snapshot})
}

// failLocked records msg as the current error and queues an error notification
// after the state snapshot. Caller holds c.mu.
func (c *Controller) failLocked(msg string, patch func(*State)) {
	c.setStateLocked(func(s *State) {
		patch(s)
		s.Error = msg
	})
	c.pending = append(c.pending, notification{err: msg})
}

// resultLocked queues a recognition result. Caller holds c.mu.
func (c *Controller) resultLocked(r RecognitionResult) {
	c.pending = append(c.pending, notification{result: &r})
}

// dispatch delivers queued notifications outside the lock. Only one goroutine
// delivers at a time; others leave their notifications for it, which keeps
// delivery in queue order and lets callbacks re-enter the controller.
func (c *Controller) dispatch() {
	c.mu.Lock()
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true

	for len(c.pending) > 0 && !c.destroyed {
		n := c.pending[0]
		c.pending[0] = notification{}
		c.pending = c.pending[1:]
		cb := c.callbacks

		c.mu.Unlock()
		c.deliver(cb, n)
		c.mu.Lock()
	}

	if c.destroyed {
		c.pending = nil
	}
	c.dispatching = false
	c.mu.Unlock()
}

func (c *Controller) deliver(cb Callbacks, n notification) {
	switch {
	case n.state != nil:
		c.metrics.RecordStateChange()
		if cb.OnStateChange != nil {
			cb.OnStateChange(*n.state)
		}
	case n.result != nil:
		if cb.OnResult != nil {
			cb.OnResult(*n.result)
		}
	case n.err != "":
		if cb.OnError != nil {
			cb.OnError(n.err)
		}
	}
}
