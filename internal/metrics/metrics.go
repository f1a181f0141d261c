package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordanhubbard/cognihub/internal/core"
	"github.com/jordanhubbard/cognihub/internal/events"
)

// Registry holds the Prometheus collectors. Wired to the rest of the core
// through the ledger's outcome observer and the event bus, so the hot path
// carries no metrics dependency.
type Registry struct {
	reg *prometheus.Registry

	PlansTotal      *prometheus.CounterVec
	OutcomesTotal   *prometheus.CounterVec
	OutcomeLatency  *prometheus.HistogramVec
	CostUSD         *prometheus.CounterVec
	SchedulerMode   *prometheus.GaugeVec
	ProviderState   *prometheus.GaugeVec
	LedgerDrops     prometheus.CounterFunc
	EventsDelivered prometheus.Counter
}

// New builds a registry. droppedFn reports the ledger's cumulative persistence
// drops; nil disables that collector.
func New(droppedFn func() int64) *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		PlansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cognihub_plans_total",
			Help: "Plans executed, by kind and final status",
		}, []string{"kind", "status"}),
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cognihub_outcomes_total",
			Help: "Provider call outcomes recorded in the ledger",
		}, []string{"provider", "role", "success"}),
		OutcomeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cognihub_outcome_latency_ms",
			Help:    "Provider call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cognihub_cost_usd_total",
			Help: "Estimated USD cost per provider",
		}, []string{"provider"}),
		SchedulerMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cognihub_scheduler_mode",
			Help: "1 for the active scheduler mode, 0 otherwise",
		}, []string{"mode"}),
		ProviderState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cognihub_provider_state",
			Help: "1 for a provider's current health state, 0 otherwise",
		}, []string{"provider", "state"}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cognihub_events_observed_total",
			Help: "Control events observed by the metrics subscriber",
		}),
	}
	reg.MustRegister(m.PlansTotal, m.OutcomesTotal, m.OutcomeLatency, m.CostUSD,
		m.SchedulerMode, m.ProviderState, m.EventsDelivered)

	if droppedFn != nil {
		m.LedgerDrops = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "cognihub_ledger_dropped_total",
			Help: "Outcomes dropped from the ledger persistence queue",
		}, func() float64 { return float64(droppedFn()) })
		reg.MustRegister(m.LedgerDrops)
	}
	return m
}

// Handler serves the scrape endpoint.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveOutcome folds one ledger outcome into the collectors. Registered as
// a ledger observer.
func (m *Registry) ObserveOutcome(o core.Outcome) {
	success := "false"
	if o.Success {
		success = "true"
	}
	m.OutcomesTotal.WithLabelValues(o.Provider, string(o.Role), success).Inc()
	m.OutcomeLatency.WithLabelValues(o.Provider).Observe(float64(o.LatencyMs))
	if o.CostUSD > 0 {
		m.CostUSD.WithLabelValues(o.Provider).Add(o.CostUSD)
	}
}

var schedulerModes = []string{"normal", "burst", "quiet", "stopped"}

// ObserveEvent folds one control event into the collectors. Registered as an
// event bus subscriber; must not block.
func (m *Registry) ObserveEvent(ev events.Event) {
	m.EventsDelivered.Inc()
	switch ev.Type {
	case events.EventPlanCompleted:
		m.PlansTotal.WithLabelValues(ev.PlanKind, ev.Status).Inc()
	case events.EventSchedulerMode:
		for _, mode := range schedulerModes {
			v := 0.0
			if mode == ev.NewState {
				v = 1
			}
			m.SchedulerMode.WithLabelValues(mode).Set(v)
		}
	case events.EventProviderHealth:
		m.ProviderState.WithLabelValues(ev.ProviderID, ev.OldState).Set(0)
		m.ProviderState.WithLabelValues(ev.ProviderID, ev.NewState).Set(1)
	}
}

// Watch consumes events from the channel until it closes or stop fires.
func (m *Registry) Watch(ch <-chan events.Event, stop <-chan struct{}) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.ObserveEvent(ev)
		case <-stop:
			return
		}
	}
}
