package ws

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by every session. Each
// series is labelled with the entry id of the session that produced it.
type Metrics struct {
	commandsSent      *prometheus.CounterVec
	commandErrors     *prometheus.CounterVec
	commandDuration   *prometheus.HistogramVec
	eventsReceived    *prometheus.CounterVec
	decodeErrors      *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	connected         *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors. A nil registerer disables
// metrics; collectors already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lightstack",
			Subsystem: "session",
			Name:      "commands_sent_total",
			Help:      "Total commands written to the LightStack socket",
		}, []string{"entry", "command"}),

		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lightstack",
			Subsystem: "session",
			Name:      "command_errors_total",
			Help:      "Total commands that failed, by error code",
		}, []string{"entry", "command", "code"}),

		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lightstack",
			Subsystem: "session",
			Name:      "command_duration_seconds",
			Help:      "Time from sending a command until its result arrives",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entry", "command"}),

		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lightstack",
			Subsystem: "session",
			Name:      "events_received_total",
			Help:      "Total inbound envelopes, by type",
		}, []string{"entry", "type"}),

		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lightstack",
			Subsystem: "session",
			Name:      "decode_errors_total",
			Help:      "Total inbound frames dropped because they could not be decoded",
		}, []string{"entry"}),

		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lightstack",
			Subsystem: "supervisor",
			Name:      "reconnect_attempts_total",
			Help:      "Total reconnection attempts, by outcome",
		}, []string{"entry", "outcome"}),

		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lightstack",
			Subsystem: "session",
			Name:      "connected",
			Help:      "1 while the LightStack link is established",
		}, []string{"entry"}),
	}

	var err error
	m.commandsSent, err = register(reg, m.commandsSent)
	if err != nil {
		return nil, err
	}
	m.commandErrors, err = register(reg, m.commandErrors)
	if err != nil {
		return nil, err
	}
	m.commandDuration, err = register(reg, m.commandDuration)
	if err != nil {
		return nil, err
	}
	m.eventsReceived, err = register(reg, m.eventsReceived)
	if err != nil {
		return nil, err
	}
	m.decodeErrors, err = register(reg, m.decodeErrors)
	if err != nil {
		return nil, err
	}
	m.reconnectAttempts, err = register(reg, m.reconnectAttempts)
	if err != nil {
		return nil, err
	}
	m.connected, err = register(reg, m.connected)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) commandSent(entry, command string) {
	if m == nil {
		return
	}
	m.commandsSent.WithLabelValues(entry, command).Inc()
}

func (m *Metrics) commandFailed(entry, command, code string) {
	if m == nil {
		return
	}
	m.commandErrors.WithLabelValues(entry, command, code).Inc()
}

func (m *Metrics) observeCommand(entry, command string, seconds float64) {
	if m == nil {
		return
	}
	m.commandDuration.WithLabelValues(entry, command).Observe(seconds)
}

func (m *Metrics) eventReceived(entry, kind string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(entry, kind).Inc()
}

func (m *Metrics) decodeFailed(entry string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(entry).Inc()
}

func (m *Metrics) reconnectAttempt(entry, outcome string) {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues(entry, outcome).Inc()
}

func (m *Metrics) setConnected(entry string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.connected.WithLabelValues(entry).Set(v)
}
