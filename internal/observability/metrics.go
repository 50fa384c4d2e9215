package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_console_active_sessions",
		Help: "Number of connected voice sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_console_sessions_total",
		Help: "Total number of voice sessions opened",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_console_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Recognition metrics
	recognitionSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_console_recognition_sessions_total",
		Help: "Recognition sessions by outcome",
	}, []string{"outcome"}) // started, failed, ended, error, stopped

	recognitionResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_console_recognition_results_total",
		Help: "Recognition results emitted",
	}, []string{"kind"}) // interim, final

	// Synthesis metrics
	utterances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_console_utterances_total",
		Help: "Utterances by outcome",
	}, []string{"outcome"}) // completed, cancelled, failed, skipped

	utteranceLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_console_utterance_duration_seconds",
		Help:    "Time from speak request to utterance end",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	synthesisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_console_synthesis_latency_seconds",
		Help:    "TTS provider request latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Permission metrics
	permissionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_console_permission_requests_total",
		Help: "Microphone permission requests by result",
	}, []string{"result"}) // granted, denied

	// State metrics
	stateChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_console_state_changes_total",
		Help: "Voice state snapshots delivered to subscribers",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_console_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_console_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_console_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_console_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // in, out, dropped
)

// SessionMetrics tracks metrics for a single voice session.
// A nil *SessionMetrics is valid and records nothing.
type SessionMetrics struct {
	sessionID string
	startTime time.Time
	ended     bool
	mu        sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	if m == nil {
		return
	}
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session; only the first call counts
func (m *SessionMetrics) RecordSessionEnd() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordRecognition records a recognition session lifecycle event
func (m *SessionMetrics) RecordRecognition(outcome string) {
	if m == nil {
		return
	}
	recognitionSessions.WithLabelValues(outcome).Inc()
}

// RecordResult records an emitted recognition result
func (m *SessionMetrics) RecordResult(final bool) {
	if m == nil {
		return
	}
	kind := "interim"
	if final {
		kind = "final"
	}
	recognitionResults.WithLabelValues(kind).Inc()
}

// RecordUtterance records how an utterance ended and how long it took
func (m *SessionMetrics) RecordUtterance(outcome string, started time.Time) {
	if m == nil {
		return
	}
	utterances.WithLabelValues(outcome).Inc()
	if !started.IsZero() {
		utteranceLatency.Observe(time.Since(started).Seconds())
	}
}

// RecordPermission records a microphone permission result
func (m *SessionMetrics) RecordPermission(granted bool) {
	if m == nil {
		return
	}
	result := "granted"
	if !granted {
		result = "denied"
	}
	permissionRequests.WithLabelValues(result).Inc()
}

// RecordStateChange records a delivered state snapshot
func (m *SessionMetrics) RecordStateChange() {
	if m == nil {
		return
	}
	stateChanges.Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *SessionMetrics) RecordAudioBytes(direction string, bytes int64) {
	if m == nil {
		return
	}
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordDroppedAudio records microphone bytes lost to buffer overflow
func (m *SessionMetrics) RecordDroppedAudio(bytes int64) {
	if m == nil {
		return
	}
	audioBytesProcessed.WithLabelValues("dropped").Add(float64(bytes))
}

// ObserveSynthesisLatency records one TTS provider round trip
func ObserveSynthesisLatency(d time.Duration) {
	synthesisLatency.Observe(d.Seconds())
}

// RecordProviderError records an error raised inside a provider client
func RecordProviderError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
