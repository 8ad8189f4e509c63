package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments shared by the Session Gateway
// and the Session Orchestration Engine.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	ToolEvents        *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	WSWriteErrors     *prometheus.CounterVec
	OutboundMessages  *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram
	TurnStageLatency  *prometheus.HistogramVec
	ToolCallLatency   prometheus.Histogram
	CorrectionLatency prometheus.Histogram

	HTTPRequests    *prometheus.CounterVec
	LedgerNearLimit prometheus.Gauge
	LedgerAtLimit   prometheus.Gauge

	turnStageWindow *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active realtime voice sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		ToolEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_events_total",
			Help:      "Function-call service events by tool and outcome.",
		}, []string{"tool", "outcome"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write errors by reason.",
		}, []string{"reason"}),
		OutboundMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound orchestrator messages by type and delivery result.",
		}, []string{"type", "result"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		TurnStageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Turn-stage latency in milliseconds.",
			Buckets:   []float64{20, 50, 100, 150, 250, 400, 700, 1200, 2000, 4000, 7000, 10000},
		}, []string{"stage"}),
		ToolCallLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_latency_ms",
			Help:      "Function-call service dispatch-to-reply latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 700, 1200, 2000, 4000, 7000},
		}),
		CorrectionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "correction_verification_latency_ms",
			Help:      "Time from correction detection to verification outcome.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_http_requests_total",
			Help:      "Gateway HTTP requests by route and status class.",
		}, []string{"route", "status_class"}),
		LedgerNearLimit: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_near_limit_credentials",
			Help:      "Number of ledger entries at or above the near-limit threshold.",
		}),
		LedgerAtLimit: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_at_limit_credentials",
			Help:      "Number of ledger entries at their token limit.",
		}),
		turnStageWindow: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil || m.FirstAudioLatency == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil || m.TurnStageLatency == nil {
		return
	}
	ms := float64(d.Milliseconds())
	m.TurnStageLatency.WithLabelValues(stage).Observe(ms)
	m.turnStageWindow.Observe(stage, ms)
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	if m == nil || m.OutboundMessages == nil {
		return
	}
	m.OutboundMessages.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil || m.SessionEvents == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveProviderError(provider, code string) {
	if m == nil || m.ProviderErrors == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil || m.WSMessages == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveWSWriteError(reason string) {
	if m == nil || m.WSWriteErrors == nil {
		return
	}
	m.WSWriteErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveToolEvent(tool, outcome string) {
	if m == nil || m.ToolEvents == nil {
		return
	}
	m.ToolEvents.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) ObserveToolCallLatency(d time.Duration) {
	if m == nil || m.ToolCallLatency == nil {
		return
	}
	m.ToolCallLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveCorrectionLatency(d time.Duration) {
	if m == nil || m.CorrectionLatency == nil {
		return
	}
	m.CorrectionLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveHTTPRequest(route string, statusClass string) {
	if m == nil || m.HTTPRequests == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, statusClass).Inc()
}

func (m *Metrics) SetLedgerGauges(nearLimit, atLimit int) {
	if m == nil {
		return
	}
	if m.LedgerNearLimit != nil {
		m.LedgerNearLimit.Set(float64(nearLimit))
	}
	if m.LedgerAtLimit != nil {
		m.LedgerAtLimit.Set(float64(atLimit))
	}
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m.turnStageWindow == nil {
		return TurnStageSnapshot{}
	}
	return m.turnStageWindow.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil || m.turnStageWindow == nil {
		return
	}
	m.turnStageWindow.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
