package audio

// VADEvent is a speech boundary reported by the detector
type VADEvent int

const (
	VADNone VADEvent = iota
	VADSpeechStart
	VADSpeechEnd
)

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Consecutive silent frames that end speech
	FrameSize       int     // Samples per frame
}

// DefaultVADConfig returns 20ms frames at 16kHz with 500ms of trailing silence
func DefaultVADConfig() *VADConfig {
	return NewVADConfig(500, 25, 16000)
}

// NewVADConfig builds a config with 20ms frames for the given sample rate
func NewVADConfig(threshold float64, silenceFrames, sampleRate int) *VADConfig {
	frame := sampleRate / 50
	if frame < 1 {
		frame = 1
	}
	if silenceFrames < 1 {
		silenceFrames = 1
	}
	return &VADConfig{
		EnergyThreshold: threshold,
		SilenceFrames:   silenceFrames,
		FrameSize:       frame,
	}
}

// VADDetector performs energy-based Voice Activity Detection.
// It is not safe for concurrent use.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
	pending        []byte
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// ProcessFrame classifies one frame of samples and reports a speech boundary
// if this frame crossed one
func (v *VADDetector) ProcessFrame(samples []int16) VADEvent {
	if CalculateRMS(samples) > v.config.EnergyThreshold {
		v.silenceCounter = 0
		if !v.isSpeaking {
			v.isSpeaking = true
			return VADSpeechStart
		}
		return VADNone
	}

	v.silenceCounter++
	if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
		v.isSpeaking = false
		v.silenceCounter = 0
		return VADSpeechEnd
	}
	return VADNone
}

// Feed splits raw 16-bit PCM into frames and calls emit for every boundary.
// Bytes that do not fill a frame are carried over to the next call.
func (v *VADDetector) Feed(pcm []byte, emit func(VADEvent)) {
	frameBytes := v.config.FrameSize * 2
	v.pending = append(v.pending, pcm...)

	for len(v.pending) >= frameBytes {
		if ev := v.ProcessFrame(BytesToSamples(v.pending[:frameBytes])); ev != VADNone {
			emit(ev)
		}
		v.pending = v.pending[frameBytes:]
	}

	// Compact so the carry-over does not pin the whole history
	if len(v.pending) == 0 {
		v.pending = nil
	} else {
		v.pending = append([]byte(nil), v.pending...)
	}
}
