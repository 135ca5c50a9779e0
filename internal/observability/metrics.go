package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	activeRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orpheus_chat_active_requests",
		Help: "Number of requests currently in the pipeline",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orpheus_chat_requests_total",
		Help: "Total number of requests processed",
	}, []string{"mode", "status"}) // mode: "chat", "chat_text" or "tts"

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orpheus_chat_request_duration_seconds",
		Help:    "End to end request duration in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
	}, []string{"mode"})

	gateWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orpheus_chat_engine_gate_wait_seconds",
		Help:    "Time requests spend queued for the engine gate",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	// Pipeline stage metrics
	generationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orpheus_chat_generation_seconds",
		Help:    "Token generation latency in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
	})

	synthesisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orpheus_chat_synthesis_seconds",
		Help:    "Speech synthesis latency in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
	})

	generationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orpheus_chat_generation_requests_total",
		Help: "Total number of token generation calls",
	}, []string{"status"})

	synthesisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orpheus_chat_synthesis_requests_total",
		Help: "Total number of speech synthesis calls",
	}, []string{"status"})

	timeToFirstAudio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orpheus_chat_time_to_first_audio_seconds",
		Help:    "Latency from request start to the first audio byte",
		Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13, 21},
	})

	phrasesPerRequest = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orpheus_chat_phrases_per_request",
		Help:    "Number of phrases synthesized per request",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
	})

	// Audio metrics
	audioBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orpheus_chat_audio_bytes_total",
		Help: "Total PCM bytes streamed to clients",
	})

	audioSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orpheus_chat_audio_seconds_total",
		Help: "Total seconds of audio streamed to clients",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orpheus_chat_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orpheus_chat_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orpheus_chat_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"backend"})
)

// RequestMetrics tracks one request through the pipeline
type RequestMetrics struct {
	mode           string
	startTime      time.Time
	generationTime time.Time
	synthesisTime  time.Time
	mu             sync.Mutex
}

// NewRequestMetrics starts tracking a request. Mode is "chat",
// "chat_text" or "tts".
func NewRequestMetrics(mode string) *RequestMetrics {
	activeRequests.Inc()
	return &RequestMetrics{
		mode:      mode,
		startTime: time.Now(),
	}
}

// RecordGateWait records how long the request queued for the engine gate
func (m *RequestMetrics) RecordGateWait(wait time.Duration) {
	gateWait.Observe(wait.Seconds())
}

// RecordGenerationStart marks the start of token generation
func (m *RequestMetrics) RecordGenerationStart() {
	m.mu.Lock()
	m.generationTime = time.Now()
	m.mu.Unlock()
}

// RecordGenerationEnd marks the end of token generation
func (m *RequestMetrics) RecordGenerationEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.generationTime.IsZero() {
		generationLatency.Observe(time.Since(m.generationTime).Seconds())
	}
	generationRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordSynthesisStart marks the start of speech synthesis
func (m *RequestMetrics) RecordSynthesisStart() {
	m.mu.Lock()
	m.synthesisTime = time.Now()
	m.mu.Unlock()
}

// RecordSynthesisEnd marks the end of speech synthesis
func (m *RequestMetrics) RecordSynthesisEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.synthesisTime.IsZero() {
		synthesisLatency.Observe(time.Since(m.synthesisTime).Seconds())
	}
	synthesisRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordFirstAudio records the latency to the first audio byte
func (m *RequestMetrics) RecordFirstAudio(latency time.Duration) {
	timeToFirstAudio.Observe(latency.Seconds())
}

// RecordPhrases records how many phrases the request produced
func (m *RequestMetrics) RecordPhrases(count int) {
	phrasesPerRequest.Observe(float64(count))
}

// RecordAudio records streamed audio volume
func (m *RequestMetrics) RecordAudio(bytes int64, seconds float64) {
	audioBytes.Add(float64(bytes))
	audioSeconds.Add(seconds)
}

// RecordError records an error
func (m *RequestMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// Done finishes tracking the request
func (m *RequestMetrics) Done(success bool) {
	activeRequests.Dec()
	requestDuration.WithLabelValues(m.mode).Observe(time.Since(m.startTime).Seconds())
	requestsTotal.WithLabelValues(m.mode, statusLabel(success)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// UpdateCircuitBreakerState updates a backend's circuit breaker state metric
func UpdateCircuitBreakerState(backend string, state int) {
	circuitBreakerState.WithLabelValues(backend).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments a backend's circuit breaker failure counter
func IncrementCircuitBreakerFailures(backend string) {
	circuitBreakerFailures.WithLabelValues(backend).Inc()
}
