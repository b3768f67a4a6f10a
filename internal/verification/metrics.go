package verification

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"attendgate/internal/directory"
)

// Metrics counts step outcomes and session terminations. A nil
// *Metrics is a no-op so tests and the worker skip registration.
type Metrics struct {
	stepOutcomes      *prometheus.CounterVec
	sessionsCompleted *prometheus.CounterVec
	sessionsAbandoned *prometheus.CounterVec
}

// NewMetrics registers verification counters on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendgate_step_outcomes_total",
			Help: "Verification step attempts by step kind and outcome.",
		}, []string{"step", "outcome"}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendgate_sessions_completed_total",
			Help: "Verification sessions that passed every step.",
		}, []string{"mode"}),
		sessionsAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendgate_sessions_abandoned_total",
			Help: "Verification sessions torn down before completion.",
		}, []string{"mode"}),
	}
	reg.MustRegister(m.stepOutcomes, m.sessionsCompleted, m.sessionsAbandoned)
	return m
}

func (m *Metrics) stepOutcome(kind StepKind, status StepStatus) {
	if m == nil {
		return
	}
	m.stepOutcomes.WithLabelValues(string(kind), string(status)).Inc()
}

func (m *Metrics) sessionCompleted(mode directory.Mode) {
	if m == nil {
		return
	}
	m.sessionsCompleted.WithLabelValues(strconv.Itoa(int(mode))).Inc()
}

func (m *Metrics) sessionAbandoned(mode directory.Mode) {
	if m == nil {
		return
	}
	m.sessionsAbandoned.WithLabelValues(strconv.Itoa(int(mode))).Inc()
}
