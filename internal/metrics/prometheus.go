package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus records into a set of collectors registered on one registry.
type Prometheus struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	cyclesTotal      prometheus.Counter
	claimedTotal     prometheus.Counter
	claimConflicts   prometheus.Counter
	cycleDuration    prometheus.Histogram
	paymentEvents    *prometheus.CounterVec
	transitions      *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_dispatched_total",
				Help: "Notification dispatch attempts by outcome",
			},
			[]string{"outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notification_dispatch_duration_seconds",
				Help:    "Duration of a single channel send",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_cycles_total",
			Help: "Completed scheduler poll cycles",
		}),
		claimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_claimed_total",
			Help: "Notifications claimed for dispatch",
		}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_claim_conflicts_total",
			Help: "Claims lost to another worker",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_cycle_duration_seconds",
			Help:    "Duration of a scheduler poll cycle",
			Buckets: prometheus.DefBuckets,
		}),
		paymentEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_events_total",
				Help: "Payment events by reconciliation result",
			},
			[]string{"result"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_transitions_total",
				Help: "Order status transitions",
			},
			[]string{"from", "to"},
		),
	}

	reg.MustRegister(
		p.dispatchTotal,
		p.dispatchDuration,
		p.cyclesTotal,
		p.claimedTotal,
		p.claimConflicts,
		p.cycleDuration,
		p.paymentEvents,
		p.transitions,
	)
	return p
}

func (p *Prometheus) ObserveDispatch(outcome string, d time.Duration) {
	p.dispatchTotal.WithLabelValues(outcome).Inc()
	p.dispatchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (p *Prometheus) ObserveCycle(claimed, conflicts int, d time.Duration) {
	p.cyclesTotal.Inc()
	p.claimedTotal.Add(float64(claimed))
	p.claimConflicts.Add(float64(conflicts))
	p.cycleDuration.Observe(d.Seconds())
}

func (p *Prometheus) ObservePaymentEvent(result string) {
	p.paymentEvents.WithLabelValues(result).Inc()
}

func (p *Prometheus) ObserveTransition(from, to string) {
	p.transitions.WithLabelValues(from, to).Inc()
}
