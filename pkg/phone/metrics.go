package phone

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "webphone"

// Metrics метрики софтфона
type Metrics struct {
	registrations   *prometheus.CounterVec
	retries         prometheus.Counter
	connectionState *prometheus.GaugeVec
	calls           *prometheus.CounterVec
	mediaFailures   prometheus.Counter
}

// NewMetrics регистрирует метрики в reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "connection",
			Name:      "registrations_total",
			Help:      "Registration outcomes",
		}, []string{"result"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "connection",
			Name:      "retries_scheduled_total",
			Help:      "Scheduled reconnection attempts",
		}),
		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "Current connection state (1 for the active state)",
		}, []string{"state"}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "call",
			Name:      "total",
			Help:      "Calls by outcome",
		}, []string{"outcome"}),
		mediaFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "media",
			Name:      "acquire_failures_total",
			Help:      "Local audio acquisition failures",
		}),
	}
	for _, s := range connectionStates {
		m.connectionState.WithLabelValues(string(s)).Set(0)
	}
	m.connectionState.WithLabelValues(string(ConnectionDisconnected)).Set(1)
	return m
}

func (m *Metrics) setConnectionState(state ConnectionState) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) registration(ok bool) {
	if ok {
		m.registrations.WithLabelValues("success").Inc()
		return
	}
	m.registrations.WithLabelValues("failure").Inc()
}

func (m *Metrics) retryScheduled() {
	m.retries.Inc()
}

// Исходы вызова
const (
	outcomeStarted  = "started"
	outcomeAnswered = "answered"
	outcomeEnded    = "ended"
	outcomeFailed   = "failed"
)

func (m *Metrics) call(outcome string) {
	m.calls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) mediaFailure() {
	m.mediaFailures.Inc()
}
