package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/altiora-ai/callcore/internal/types"
)

const namespace = "callcore"

// Metrics holds all application metrics
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	TurnsTotal      *prometheus.CounterVec
	BargeInsTotal   prometheus.Counter
	StageDuration   *prometheus.HistogramVec
	RulesFiredTotal *prometheus.CounterVec
	ActionsTotal    *prometheus.CounterVec
	RuleLoadsTotal  *prometheus.CounterVec

	// Webhook metrics
	WebhookDeliveries *prometheus.CounterVec
	WebhookAttempts   *prometheus.CounterVec

	// WebSocket metrics
	WebSocketConnections prometheus.Gauge
	WebSocketMessages    prometheus.Counter
	WebSocketErrors      prometheus.Counter

	// Aggregation metrics
	AggregationDuration prometheus.Histogram

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// Global metrics instance
var instance *Metrics
var once sync.Once

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Call sessions not yet ended",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_total",
			Help: "Ended call sessions by outcome",
		}, []string{"outcome"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "session_duration_seconds",
			Help:    "Active duration of ended calls",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200},
		}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "turns_total",
			Help: "Conversation turns by result",
		}, []string{"result"}),
		BargeInsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "barge_ins_total",
			Help: "Agent responses interrupted by the caller",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_duration_seconds",
			Help:    "Speech stage latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}, []string{"stage", "result"}),
		RulesFiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rules_fired_total",
			Help: "Rules fired by category",
		}, []string{"category"}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "actions_total",
			Help: "Rule actions executed by kind and result",
		}, []string{"kind", "result"}),
		RuleLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rule_loads_total",
			Help: "Rule set fetches by result",
		}, []string{"result"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhook_deliveries_total",
			Help: "Webhook events by kind and final result",
		}, []string{"kind", "result"}),
		WebhookAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhook_attempts_total",
			Help: "Webhook HTTP attempts by kind",
		}, []string{"kind"}),
		WebSocketConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "websocket_connections",
			Help: "Connected monitor clients",
		}),
		WebSocketMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "websocket_messages_total",
			Help: "Messages sent to monitor clients",
		}),
		WebSocketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "websocket_errors_total",
			Help: "Monitor client write errors",
		}),
		AggregationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "aggregation_duration_seconds",
			Help:    "Time to build a sessions overview",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"endpoint", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help: "HTTP request latency",
		}, []string{"endpoint"}),
	}

	m.registry.MustRegister(
		m.SessionsActive, m.SessionsTotal, m.SessionDuration, m.TurnsTotal,
		m.BargeInsTotal, m.StageDuration, m.RulesFiredTotal, m.ActionsTotal,
		m.RuleLoadsTotal, m.WebhookDeliveries, m.WebhookAttempts,
		m.WebSocketConnections, m.WebSocketMessages, m.WebSocketErrors,
		m.AggregationDuration, m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// RecordSessionStart increments the live session gauge
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records an ended session
func (m *Metrics) RecordSessionEnd(outcome types.Outcome, duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(string(outcome)).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordTurn counts a turn; result is "ok", "degraded", "interrupted" or "ignored"
func (m *Metrics) RecordTurn(result string) {
	m.TurnsTotal.WithLabelValues(result).Inc()
}

// RecordBargeIn counts a caller interruption
func (m *Metrics) RecordBargeIn() {
	m.BargeInsTotal.Inc()
}

// RecordStage records one speech stage call
func (m *Metrics) RecordStage(stage, result string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage, result).Observe(d.Seconds())
}

// RecordRuleFired counts a fired rule
func (m *Metrics) RecordRuleFired(category types.RuleCategory) {
	m.RulesFiredTotal.WithLabelValues(string(category)).Inc()
}

// RecordAction counts an executed action
func (m *Metrics) RecordAction(kind types.ActionKind, result string) {
	m.ActionsTotal.WithLabelValues(string(kind), result).Inc()
}

// RecordRuleLoad counts a rule set fetch
func (m *Metrics) RecordRuleLoad(result string) {
	m.RuleLoadsTotal.WithLabelValues(result).Inc()
}

// RecordWebhookAttempt counts one delivery attempt
func (m *Metrics) RecordWebhookAttempt(kind types.WebhookKind) {
	m.WebhookAttempts.WithLabelValues(string(kind)).Inc()
}

// RecordWebhookResult records the final result of an event: "delivered", "rejected" or "exhausted"
func (m *Metrics) RecordWebhookResult(kind types.WebhookKind, result string) {
	m.WebhookDeliveries.WithLabelValues(string(kind), result).Inc()
}

// RecordWebSocketConnect increments the connection gauge
func (m *Metrics) RecordWebSocketConnect() {
	m.WebSocketConnections.Inc()
}

// RecordWebSocketDisconnect decrements the connection gauge
func (m *Metrics) RecordWebSocketDisconnect() {
	m.WebSocketConnections.Dec()
}

// RecordWebSocketMessage counts a message sent to a client
func (m *Metrics) RecordWebSocketMessage() {
	m.WebSocketMessages.Inc()
}

// RecordWebSocketError counts a client write failure
func (m *Metrics) RecordWebSocketError() {
	m.WebSocketErrors.Inc()
}

// RecordAggregationCycle records how long an overview took to build
func (m *Metrics) RecordAggregationCycle(duration time.Duration) {
	m.AggregationDuration.Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint string, statusCode int, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	m.HTTPDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
