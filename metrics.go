package hirewire

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the sync layer. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	ReconnectAttempts   prometheus.Counter
	ReconnectsExhausted prometheus.Counter
	ConnectionState     *prometheus.GaugeVec

	PresenceEmitted   prometheus.Counter
	PresenceThrottled prometheus.Counter

	BanTriggers     *prometheus.CounterVec
	BanDropped      prometheus.Counter
	BanEnforcements prometheus.Counter

	SessionRestores *prometheus.CounterVec
	OptimisticSends *prometheus.CounterVec
	AbnormalBursts  prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered. Already registered collectors are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hirewire", Subsystem: "conn", Name: "reconnect_attempts_total",
			Help: "Automatic reconnect attempts.",
		}),
		ReconnectsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hirewire", Subsystem: "conn", Name: "reconnects_exhausted_total",
			Help: "Times automatic reconnection gave up after the attempt limit.",
		}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hirewire", Subsystem: "conn", Name: "state",
			Help: "1 for the current connection status, 0 otherwise.",
		}, []string{"status"}),
		PresenceEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hirewire", Subsystem: "presence", Name: "emitted_total",
			Help: "Presence heartbeats emitted.",
		}),
		PresenceThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hirewire", Subsystem: "presence", Name: "throttled_total",
			Help: "Interaction events dropped by the throttle window.",
		}),
		BanTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hirewire", Subsystem: "ban", Name: "triggers_total",
			Help: "Ban triggers received, by detection channel.",
		}, []string{"source"}),
		BanDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hirewire", Subsystem: "ban", Name: "dropped_total",
			Help: "Ban triggers dropped because enforcement already ran.",
		}),
		BanEnforcements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hirewire", Subsystem: "ban", Name: "enforcements_total",
			Help: "Forced logouts performed.",
		}),
		SessionRestores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hirewire", Subsystem: "session", Name: "restores_total",
			Help: "Session restorations executed, by outcome.",
		}, []string{"outcome"}),
		OptimisticSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hirewire", Subsystem: "messages", Name: "optimistic_sends_total",
			Help: "Optimistic sends, by outcome.",
		}, []string{"outcome"}),
		AbnormalBursts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hirewire", Subsystem: "presence", Name: "abnormal_bursts_total",
			Help: "Click bursts classified as abnormal input velocity.",
		}),
	}

	if reg != nil {
		m.ReconnectAttempts = register(reg, m.ReconnectAttempts)
		m.ReconnectsExhausted = register(reg, m.ReconnectsExhausted)
		m.ConnectionState = register(reg, m.ConnectionState)
		m.PresenceEmitted = register(reg, m.PresenceEmitted)
		m.PresenceThrottled = register(reg, m.PresenceThrottled)
		m.BanTriggers = register(reg, m.BanTriggers)
		m.BanDropped = register(reg, m.BanDropped)
		m.BanEnforcements = register(reg, m.BanEnforcements)
		m.SessionRestores = register(reg, m.SessionRestores)
		m.OptimisticSends = register(reg, m.OptimisticSends)
		m.AbnormalBursts = register(reg, m.AbnormalBursts)
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) incReconnect() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}

func (m *Metrics) incExhausted() {
	if m != nil {
		m.ReconnectsExhausted.Inc()
	}
}

func (m *Metrics) setState(s ConnectionStatus) {
	if m == nil {
		return
	}
	for _, st := range []ConnectionStatus{StatusDisconnected, StatusConnecting, StatusConnected} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) incPresence() {
	if m != nil {
		m.PresenceEmitted.Inc()
	}
}

func (m *Metrics) incThrottled() {
	if m != nil {
		m.PresenceThrottled.Inc()
	}
}

func (m *Metrics) incBanTrigger(src BanSource) {
	if m != nil {
		m.BanTriggers.WithLabelValues(string(src)).Inc()
	}
}

func (m *Metrics) incBanDropped() {
	if m != nil {
		m.BanDropped.Inc()
	}
}

func (m *Metrics) incEnforcement() {
	if m != nil {
		m.BanEnforcements.Inc()
	}
}

func (m *Metrics) incRestore(outcome string) {
	if m != nil {
		m.SessionRestores.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) incSend(outcome string) {
	if m != nil {
		m.OptimisticSends.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) incBurst() {
	if m != nil {
		m.AbnormalBursts.Inc()
	}
}
