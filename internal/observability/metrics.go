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
		Name: "dictation_active_sessions",
		Help: "Number of open dictation sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dictation_sessions_total",
		Help: "Total number of dictation sessions",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dictation_session_duration_seconds",
		Help:    "Duration of dictation sessions in seconds",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
	})

	// Capture metrics
	captureStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dictation_capture_starts_total",
		Help: "Total number of capture start requests",
	})

	captureRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dictation_capture_restarts_total",
		Help: "Total number of automatic capture restarts after an unexpected session end",
	})

	captureErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dictation_capture_errors_total",
		Help: "Total number of fatal capture errors",
	}, []string{"category"})

	// Parser metrics
	parseRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dictation_parse_requests_total",
		Help: "Total number of transcript parse requests",
	}, []string{"status"})

	parseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dictation_parse_latency_seconds",
		Help:    "Transcript parse latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	// Reconciler metrics
	mergeUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dictation_merge_updates_total",
		Help: "Total number of section updates handed to the note editor",
	}, []string{"mode"})

	audioBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dictation_audio_bytes_total",
		Help: "Total audio bytes received from clients",
	})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dictation_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dictation_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single dictation session
type Metrics struct {
	sessionID string
	startTime time.Time

	mu         sync.Mutex
	parseStart time.Time
	ended      bool
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session. Repeated calls are ignored.
func (m *Metrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordCaptureStart counts a capture start request
func (m *Metrics) RecordCaptureStart() {
	captureStarts.Inc()
}

// RecordCaptureRestart counts an automatic restart
func (m *Metrics) RecordCaptureRestart() {
	captureRestarts.Inc()
}

// RecordCaptureError counts a fatal capture error
func (m *Metrics) RecordCaptureError(category string) {
	captureErrors.WithLabelValues(category).Inc()
}

// RecordParseStart records the start of a parse request
func (m *Metrics) RecordParseStart() {
	m.mu.Lock()
	m.parseStart = time.Now()
	m.mu.Unlock()
}

// RecordParseEnd records the outcome of a parse request
func (m *Metrics) RecordParseEnd(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.parseStart.IsZero() {
		parseLatency.Observe(time.Since(m.parseStart).Seconds())
		m.parseStart = time.Time{}
	}
	parseRequests.WithLabelValues(status).Inc()
}

// RecordMerge counts section updates produced by a merge
func (m *Metrics) RecordMerge(mode string, updates int) {
	mergeUpdates.WithLabelValues(mode).Add(float64(updates))
}

// RecordAudioBytes records audio bytes received
func (m *Metrics) RecordAudioBytes(n int) {
	audioBytes.Add(float64(n))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
