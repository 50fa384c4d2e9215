package voice

import "context"

// StartListening starts a recognition session with the current settings.
// It does nothing when recognition is disabled or absent, or when a session is
// already active or starting. A provider that fails to start is reported as a
// recognition error.
func (c *Controller) StartListening(ctx context.Context) {
	c.mu.Lock()
	if c.destroyed || c.caps.Recognizer == nil || !c.settings.EnableSpeechRecognition {
		c.mu.Unlock()
		c.logger.Debug().Msg("Speech recognition unavailable, ignoring start")
		return
	}
	if c.recStarting || c.recSession != nil || c.state.IsListening {
		c.mu.Unlock()
		c.logger.Debug().Msg("Speech recognition already active, ignoring start")
		return
	}

	c.recGen++
	gen := c.recGen
	c.recStarting = true
	opts := RecognitionOptions{
		Language:       c.settings.Language,
		Continuous:     c.settings.Continuous,
		InterimResults: c.settings.InterimResults,
	}
	recognizer := c.caps.Recognizer
	c.mu.Unlock()

	session, err := recognizer.Recognize(ctx, opts, &recognitionHandler{c: c, gen: gen})

	c.mu.Lock()
	if gen != c.recGen || c.destroyed {
		// Stopped, destroyed, or already ended while the provider was starting
		c.mu.Unlock()
		if session != nil {
			_ = session.Stop()
		}
		return
	}
	c.recStarting = false
	if err != nil {
		c.recGen++
		c.failLocked(recognitionMessage(err), clearListening)
		c.mu.Unlock()
		c.dispatch()

		c.metrics.RecordRecognition("failed")
		c.metrics.RecordError("recognition_start", "recognizer")
		c.logger.Warn().Err(err).Msg("Failed to start speech recognition")
		return
	}
	c.recSession = session
	c.mu.Unlock()
	c.dispatch()

	c.metrics.RecordRecognition("started")
	c.logger.Info().
		Str("language", opts.Language).
		Bool("continuous", opts.Continuous).
		Bool("interim_results", opts.InterimResults).
		Msg("Speech recognition started")
}

// StopListening ends the active recognition session. It does nothing when no
// session is active or starting.
func (c *Controller) StopListening() {
	c.mu.Lock()
	if c.recSession == nil && !c.recStarting && !c.state.IsListening {
		c.mu.Unlock()
		return
	}
	session := c.recSession
	c.recSession = nil
	c.recStarting = false
	c.recGen++
	c.setStateLocked(clearListening)
	c.mu.Unlock()
	c.dispatch()

	if session != nil {
		if err := session.Stop(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to stop speech recognition")
		}
	}
	c.metrics.RecordRecognition("stopped")
	c.logger.Info().Msg("Speech recognition stopped")
}

func clearListening(s *State) {
	s.IsListening = false
	s.IsRecognizing = false
}

// endRecognitionLocked forgets the current session so later events from it are
// ignored. Caller holds c.mu.
func (c *Controller) endRecognitionLocked() {
	c.recGen++
	c.recSession = nil
	c.recStarting = false
}

// recognitionHandler routes one session's events into the controller. Events
// from a session that is no longer current are dropped.
type recognitionHandler struct {
	c   *Controller
	gen uint64
}

// lock acquires the controller lock and reports whether this session is still current
func (h *recognitionHandler) lock() bool {
	h.c.mu.Lock()
	if h.c.destroyed || h.gen != h.c.recGen {
		h.c.mu.Unlock()
		return false
	}
	return true
}

func (h *recognitionHandler) update(patch func(*State)) {
	if !h.lock() {
		return
	}
	h.c.setStateLocked(patch)
	h.c.mu.Unlock()
	h.c.dispatch()
}

func (h *recognitionHandler) OnStart() {
	h.update(func(s *State) {
		s.IsListening = true
		s.Error = ""
	})
}

func (h *recognitionHandler) OnSpeechStart() {
	h.update(func(s *State) { s.IsRecognizing = true })
}

func (h *recognitionHandler) OnSpeechEnd() {
	h.update(func(s *State) { s.IsRecognizing = false })
}

func (h *recognitionHandler) OnResult(r RecognitionResult) {
	if !h.lock() {
		return
	}
	h.c.resultLocked(r)
	h.c.mu.Unlock()
	h.c.dispatch()

	h.c.metrics.RecordResult(r.IsFinal)
}

func (h *recognitionHandler) OnError(err error) {
	if !h.lock() {
		return
	}
	h.c.endRecognitionLocked()
	h.c.failLocked(recognitionMessage(err), clearListening)
	h.c.mu.Unlock()
	h.c.dispatch()

	h.c.metrics.RecordRecognition("error")
	h.c.metrics.RecordError("recognition_error", "recognizer")
	h.c.logger.Warn().Err(err).Msg("Speech recognition error")
}

func (h *recognitionHandler) OnEnd() {
	if !h.lock() {
		return
	}
	h.c.endRecognitionLocked()
	h.c.setStateLocked(clearListening)
	h.c.mu.Unlock()
	h.c.dispatch()

	h.c.metrics.RecordRecognition("ended")
	h.c.logger.Debug().Msg("Speech recognition ended")
}
