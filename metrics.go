package scout

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/capitan"
)

// Metrics exposes Prometheus collectors fed by scout signals.
type Metrics struct {
	sessions     *prometheus.CounterVec
	aborted      prometheus.Counter
	capabilities *prometheus.CounterVec
	overrides    *prometheus.CounterVec
	fallbacks    prometheus.Counter
	verdicts     *prometheus.CounterVec
	active       prometheus.Gauge

	mu        sync.Mutex
	listeners []*capitan.Listener
}

// MustNewMetrics registers scout collectors with reg and hooks the signals
// that drive them. Registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scout",
				Subsystem: "session",
				Name:      "terminated_total",
				Help:      "Sessions terminated, by variant and termination reason.",
			},
			[]string{"variant", "termination"},
		),
		aborted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "scout",
				Subsystem: "session",
				Name:      "aborted_total",
				Help:      "Sessions aborted on an invariant violation or provider fault.",
			},
		),
		capabilities: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scout",
				Subsystem: "capability",
				Name:      "calls_total",
				Help:      "Capability calls, by capability and outcome.",
			},
			[]string{"capability", "outcome"},
		),
		overrides: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scout",
				Subsystem: "router",
				Name:      "overrides_total",
				Help:      "Oracle proposals overridden because a capability was exhausted.",
			},
			[]string{"capability"},
		),
		fallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "scout",
				Subsystem: "synthesis",
				Name:      "fallbacks_total",
				Help:      "Fallback artifacts substituted after synthesis retries.",
			},
		),
		verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scout",
				Subsystem: "review",
				Name:      "verdicts_total",
				Help:      "Review verdicts, by verdict.",
			},
			[]string{"verdict"},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "scout",
				Subsystem: "session",
				Name:      "active",
				Help:      "Sessions currently running.",
			},
		),
	}
	reg.MustRegister(m.sessions, m.aborted, m.capabilities, m.overrides, m.fallbacks, m.verdicts, m.active)

	m.hook(SessionStarted, func(_ *capitan.Event) {
		m.active.Inc()
	})
	m.hook(SessionTerminated, func(e *capitan.Event) {
		variant, _ := FieldVariant.From(e)
		reason, _ := FieldTermination.From(e)
		m.sessions.WithLabelValues(variant, reason).Inc()
		m.active.Dec()
	})
	m.hook(SessionAborted, func(_ *capitan.Event) {
		m.aborted.Inc()
		m.active.Dec()
	})
	m.hook(CapabilityDispatched, func(e *capitan.Event) {
		name, _ := FieldCapability.From(e)
		m.capabilities.WithLabelValues(name, "ok").Inc()
	})
	m.hook(CapabilityFailed, func(e *capitan.Event) {
		name, _ := FieldCapability.From(e)
		kind, _ := FieldErrorKind.From(e)
		m.capabilities.WithLabelValues(name, kind).Inc()
	})
	m.hook(RouterOverridden, func(e *capitan.Event) {
		name, _ := FieldCapability.From(e)
		m.overrides.WithLabelValues(name).Inc()
	})
	m.hook(SynthesisFallback, func(_ *capitan.Event) {
		m.fallbacks.Inc()
	})
	m.hook(ReviewCompleted, func(e *capitan.Event) {
		v, _ := FieldVerdict.From(e)
		m.verdicts.WithLabelValues(v).Inc()
	})
	return m
}

func (m *Metrics) hook(sig capitan.Signal, fn func(*capitan.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, capitan.Hook(sig, func(_ context.Context, e *capitan.Event) {
		fn(e)
	}))
}

// Close unhooks the collectors from scout signals. Registered collectors
// keep their last values.
func (m *Metrics) Close() {
	m.mu.Lock()
	listeners := m.listeners
	m.listeners = nil
	m.mu.Unlock()
	for _, l := range listeners {
		l.Close()
	}
}
