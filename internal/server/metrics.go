package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	remittancesTotal   *prometheus.CounterVec
	registrationsTotal *prometheus.CounterVec
	adminActionsTotal  *prometheus.CounterVec
	replaysTotal       prometheus.Counter
	paused             prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	remittances := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remitrails_remittances_total",
		Help: "Remittance operations by outcome",
	}, []string{"status"})

	registrations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remitrails_registrations_total",
		Help: "Profile registration attempts by outcome",
	}, []string{"status"})

	admin := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remitrails_admin_actions_total",
		Help: "Administrative actions by action and outcome",
	}, []string{"action", "status"})

	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remitrails_idempotent_replays_total",
		Help: "Create requests answered from the idempotency store",
	})

	paused := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "remitrails_paused",
		Help: "1 while the circuit breaker is engaged",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(remittances, registrations, admin, replays, paused)

	return &metricsRegistry{
		registry:           r,
		remittancesTotal:   remittances,
		registrationsTotal: registrations,
		adminActionsTotal:  admin,
		replaysTotal:       replays,
		paused:             paused,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incRemittance(status string) {
	m.remittancesTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incRegistration(status string) {
	m.registrationsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incAdmin(action string, err error) {
	status := "ok"
	if err != nil {
		status = "rejected"
	}
	m.adminActionsTotal.WithLabelValues(action, status).Inc()
}

func (m *metricsRegistry) incReplay() {
	m.replaysTotal.Inc()
}

func (m *metricsRegistry) setPaused(paused bool) {
	if paused {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}
