package voice

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// activeUtterance tracks one issued Speak call
type activeUtterance struct {
	id      string
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

// Speak cancels any utterance in flight and speaks text with the current
// settings. The returned channel is closed when the utterance has ended,
// whether it completed, failed or was cancelled. When synthesis is disabled or
// absent the channel is already closed.
func (c *Controller) Speak(ctx context.Context, text string) <-chan struct{} {
	done := make(chan struct{})

	c.mu.Lock()
	if c.destroyed || c.caps.Synthesizer == nil || !c.settings.EnableTextToSpeech {
		c.mu.Unlock()
		c.metrics.RecordUtterance("skipped", time.Time{})
		close(done)
		return done
	}

	if c.speech != nil {
		c.speech.cancel()
	}
	prev := c.tail

	uctx, cancel := context.WithCancel(ctx)
	u := &activeUtterance{
		id:      uuid.NewString(),
		cancel:  cancel,
		done:    done,
		started: time.Now(),
	}
	c.speech = u
	c.tail = u
	settings := c.settings
	synth := c.caps.Synthesizer
	c.setStateLocked(func(s *State) { s.IsSpeaking = true })
	c.mu.Unlock()
	c.dispatch()

	go c.runUtterance(uctx, synth, u, prev, settings, text)
	return done
}

// runUtterance waits for the previous utterance to unwind so only one is ever
// handed to the synthesizer, then speaks and settles state.
func (c *Controller) runUtterance(ctx context.Context, synth Synthesizer, u, prev *activeUtterance, settings Settings, text string) {
	defer close(u.done)
	defer u.cancel()

	if prev != nil {
		<-prev.done
	}

	err := ctx.Err()
	if err == nil {
		v := c.selectVoice(ctx, synth, settings.Voice)
		// The voice lookup may outlive a StopSpeaking or a newer Speak
		if err = ctx.Err(); err == nil {
			err = synth.Speak(ctx, Utterance{
				ID:       u.id,
				Text:     text,
				Voice:    v,
				Language: settings.Language,
				Rate:     settings.Rate,
				Pitch:    settings.Pitch,
				Volume:   settings.Volume,
			})
		}
	}

	outcome := "completed"
	switch {
	case err == nil:
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		outcome = "cancelled"
	default:
		outcome = "failed"
	}

	c.mu.Lock()
	if c.speech == u {
		c.speech = nil
		if outcome == "failed" {
			c.failLocked(synthesisMessage(err), func(s *State) { s.IsSpeaking = false })
		} else {
			c.setStateLocked(func(s *State) { s.IsSpeaking = false })
		}
	}
	c.mu.Unlock()
	c.dispatch()

	c.metrics.RecordUtterance(outcome, u.started)
	logger := c.logger.With().Str("utterance_id", u.id).Logger()
	switch outcome {
	case "failed":
		c.metrics.RecordError("synthesis_error", "synthesizer")
		logger.Warn().Err(err).Msg("Speech synthesis failed")
	case "cancelled":
		logger.Debug().Msg("Utterance cancelled")
	default:
		logger.Debug().Dur("duration", time.Since(u.started)).Msg("Utterance finished")
	}
}

// StopSpeaking cancels the utterance in flight. It does nothing when idle.
func (c *Controller) StopSpeaking() {
	c.mu.Lock()
	u := c.speech
	c.speech = nil
	c.setStateLocked(func(s *State) { s.IsSpeaking = false })
	c.mu.Unlock()
	c.dispatch()

	if u != nil {
		u.cancel()
		c.logger.Debug().Str("utterance_id", u.id).Msg("Speech stopped")
	}
}

// Voices lists the synthesizer's voices. It returns nil when synthesis is
// absent or the provider fails.
func (c *Controller) Voices(ctx context.Context) []Voice {
	synth := c.caps.Synthesizer
	if synth == nil {
		return nil
	}
	voices, err := synth.Voices(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to list voices")
		return nil
	}
	return voices
}

// selectVoice finds the voice whose name matches exactly. No match, or a
// provider error, selects the provider default.
func (c *Controller) selectVoice(ctx context.Context, synth Synthesizer, name string) *Voice {
	if name == "" {
		return nil
	}
	voices, err := synth.Voices(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Str("voice", name).Msg("Voice list unavailable, using default voice")
		return nil
	}
	for i := range voices {
		if voices[i].Name == name {
			v := voices[i]
			return &v
		}
	}
	c.logger.Debug().Str("voice", name).Msg("Voice not found, using default voice")
	return nil
}
