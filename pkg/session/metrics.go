package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig конфигурация метрик сессий
type MetricsConfig struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool

	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
	Subsystem string

	// Registerer реестр, nil означает prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "sip",
		Subsystem: "invite_session",
	}
}

// Metrics собирает метрики сессий INVITE. Один экземпляр разделяется
// всеми сессиями. Методы безопасны для nil.
type Metrics struct {
	sessionsTotal    *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	terminatedTotal  *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	retransmissions  *prometheus.CounterVec
	staleTimeouts    *prometheus.CounterVec
	glareTotal       prometheus.Counter
	ignoredEvents    prometheus.Counter
}

// NewMetrics создает и регистрирует метрики.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	ns, sub := cfg.Namespace, cfg.Subsystem

	return &Metrics{
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "sessions_total",
			Help: "Total number of INVITE sessions created",
		}, []string{"role"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "sessions_active",
			Help: "Number of INVITE sessions not yet terminated",
		}),
		terminatedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "terminated_total",
			Help: "Total number of terminated sessions by reason",
		}, []string{"reason"}),
		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "state_transitions_total",
			Help: "Total number of session state transitions",
		}, []string{"from_state", "to_state"}),
		retransmissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "retransmissions_total",
			Help: "Total number of responses retransmitted by the session",
		}, []string{"type"}),
		staleTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "stale_timeouts_total",
			Help: "Total number of ignored timeouts with outdated sequence",
		}, []string{"type"}),
		glareTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "glare_total",
			Help: "Total number of 491 glare retries scheduled",
		}),
		ignoredEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "ignored_events_total",
			Help: "Total number of messages ignored in current state",
		}),
	}
}

func (m *Metrics) sessionCreated(role Role) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(role.String()).Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionTerminated(reason TerminatedReason) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.terminatedTotal.WithLabelValues(reason.String()).Inc()
}

func (m *Metrics) transition(from, to State) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) retransmitted(kind string) {
	if m == nil {
		return
	}
	m.retransmissions.WithLabelValues(kind).Inc()
}

func (m *Metrics) staleTimeout(kind string) {
	if m == nil {
		return
	}
	m.staleTimeouts.WithLabelValues(kind).Inc()
}

func (m *Metrics) glare() {
	if m == nil {
		return
	}
	m.glareTotal.Inc()
}

func (m *Metrics) ignored() {
	if m == nil {
		return
	}
	m.ignoredEvents.Inc()
}
