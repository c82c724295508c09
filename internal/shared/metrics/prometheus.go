package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	wsConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assistant_ws_connections_active",
			Help: "Number of open client WebSocket connections",
		},
	)

	wsMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_ws_messages_total",
			Help: "Total number of inbound client messages by type",
		},
		[]string{"type"},
	)

	wsErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_ws_errors_total",
			Help: "Total number of error replies sent to clients by code",
		},
		[]string{"code"},
	)

	outboundDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_outbound_dropped_total",
			Help: "Outbound messages dropped before reaching a client",
		},
		[]string{"reason"},
	)

	// Session metrics
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assistant_sessions_active",
			Help: "Number of consultation sessions held in the registry",
		},
	)

	sessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_sessions_started_total",
			Help: "Total number of consultation sessions started",
		},
		[]string{"consultation_type", "resumed"},
	)

	sessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_sessions_ended_total",
			Help: "Total number of consultation sessions ended",
		},
		[]string{"reason"},
	)

	// ASR metrics
	asrBridgesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assistant_asr_bridges_active",
			Help: "Number of running audio bridges",
		},
	)

	asrReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_asr_reconnects_total",
			Help: "ASR reconnect attempts by outcome",
		},
		[]string{"outcome"},
	)

	asrAudioBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assistant_asr_audio_bytes_total",
			Help: "Audio bytes forwarded to the ASR service",
		},
	)

	asrAudioDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assistant_asr_audio_dropped_total",
			Help: "Audio chunks dropped because the ASR link was down",
		},
	)

	asrTranscripts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assistant_asr_transcripts_total",
			Help: "Non-empty transcripts received from the ASR service",
		},
	)

	// Suggestion metrics
	suggestionQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assistant_suggestion_queue_depth",
			Help: "Patient statements waiting for analysis",
		},
	)

	suggestionItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_suggestion_items_total",
			Help: "Queued statements by processing outcome",
		},
		[]string{"outcome"},
	)

	analysisRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assistant_analysis_request_duration_seconds",
			Help:    "Analysis service request duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"consultation_type", "status"},
	)

	callbackFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assistant_suggestion_callback_failures_total",
			Help: "Suggestion callbacks that returned an error or panicked",
		},
	)

	// Persistence metrics
	archiveWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_archive_writes_total",
			Help: "Session archive writes by status",
		},
		[]string{"status"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_events_published_total",
			Help: "Lifecycle events published by stream and status",
		},
		[]string{"stream", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// routePattern uses the matched chi pattern to keep label cardinality bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// --- Business metric helpers ---

func ConnectionOpened() { wsConnectionsActive.Inc() }
func ConnectionClosed() { wsConnectionsActive.Dec() }

// RecordMessage counts an inbound client message
func RecordMessage(msgType string) {
	wsMessagesTotal.WithLabelValues(msgType).Inc()
}

// RecordClientError counts an error reply
func RecordClientError(code string) {
	wsErrorsTotal.WithLabelValues(code).Inc()
}

// RecordOutboundDropped counts a message that never reached its socket
func RecordOutboundDropped(reason string) {
	outboundDropped.WithLabelValues(reason).Inc()
}

// SetSessionsActive records the registry size
func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

func RecordSessionStarted(consultationType string, resumed bool) {
	sessionsStarted.WithLabelValues(consultationType, strconv.FormatBool(resumed)).Inc()
}

// RecordSessionEnded counts a session leaving the registry (ended or evicted)
func RecordSessionEnded(reason string) {
	sessionsEnded.WithLabelValues(reason).Inc()
}

func BridgeStarted() { asrBridgesActive.Inc() }
func BridgeStopped() { asrBridgesActive.Dec() }

// RecordReconnect counts a reconnect attempt: "success", "failure" or "exhausted"
func RecordReconnect(outcome string) {
	asrReconnects.WithLabelValues(outcome).Inc()
}

func RecordAudioForwarded(n int) {
	asrAudioBytes.Add(float64(n))
}

func RecordAudioDropped() {
	asrAudioDropped.Inc()
}

func RecordTranscript() {
	asrTranscripts.Inc()
}

func SetQueueDepth(n int) {
	suggestionQueueDepth.Set(float64(n))
}

// RecordSuggestionItem counts a dequeued statement: "suggested", "failed", "skipped" or "rejected"
func RecordSuggestionItem(outcome string) {
	suggestionItems.WithLabelValues(outcome).Inc()
}

func RecordAnalysisRequest(consultationType, status string, duration time.Duration) {
	analysisRequestDuration.WithLabelValues(consultationType, status).Observe(duration.Seconds())
}

func RecordCallbackFailure() {
	callbackFailures.Inc()
}

func RecordArchiveWrite(err error) {
	archiveWrites.WithLabelValues(status(err)).Inc()
}

func RecordEventPublished(stream string, err error) {
	eventsPublished.WithLabelValues(stream, status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
