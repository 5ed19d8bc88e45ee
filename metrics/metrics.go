// Package metrics exports the tunnel state machine's progress to
// Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fosrl/tunnelctl/tunnelstate"
)

const namespace = "tunnelctl"

var allStates = []tunnelstate.TunnelState{
	tunnelstate.StateDisconnected,
	tunnelstate.StateConnecting,
	tunnelstate.StateConnected,
	tunnelstate.StateDisconnecting,
	tunnelstate.StateError,
}

// Metrics holds the collectors fed by published transitions.
type Metrics struct {
	registry     *prometheus.Registry
	transitions  *prometheus.CounterVec
	state        *prometheus.GaugeVec
	retryAttempt prometheus.Gauge
	errors       *prometheus.CounterVec
	blockFailed  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Published tunnel state transitions",
		}, []string{"state"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnel_state",
			Help:      "1 for the current tunnel state, 0 otherwise",
		}, []string{"state"}),
		retryAttempt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_attempt",
			Help:      "Retry attempt of the current or last connection attempt",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_states_total",
			Help:      "Entries into the error state by cause",
		}, []string{"cause"}),
		blockFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_failures_total",
			Help:      "Error states where the blocking policy could not be applied",
		}),
	}
	m.registry.MustRegister(
		m.transitions,
		m.state,
		m.retryAttempt,
		m.errors,
		m.blockFailed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.setState(tunnelstate.StateDisconnected)
	return m
}

// Observe records a published transition.
func (m *Metrics) Observe(tr tunnelstate.TunnelStateTransition) {
	m.transitions.WithLabelValues(tr.State.String()).Inc()
	m.setState(tr.State)

	switch tr.State {
	case tunnelstate.StateConnecting, tunnelstate.StateConnected:
		m.retryAttempt.Set(float64(tr.RetryAttempt))
	case tunnelstate.StateDisconnected:
		m.retryAttempt.Set(0)
	case tunnelstate.StateError:
		if tr.Error != nil {
			m.errors.WithLabelValues(tr.Error.Cause.Kind.String()).Inc()
			if tr.Error.BlockFailure {
				m.blockFailed.Inc()
			}
		}
	}
}

func (m *Metrics) setState(current tunnelstate.TunnelState) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(s.String()).Set(v)
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
