package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "bybit_carry_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	cyclesCompleted prometheus.Counter
	cyclesSkipped   prometheus.Counter
	entries         prometheus.Counter
	exits           prometheus.Counter
	hedges          prometheus.Counter
	ordersFailed    prometheus.Counter
	gatewayFailures prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	cyclesCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_completed_total",
		Help:      "Total number of completed rebalance cycles.",
	})
	cyclesSkipped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_skipped_total",
		Help:      "Total number of cycle triggers skipped because a cycle was still running.",
	})
	entries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "entries_total",
		Help:      "Total number of paired entries placed.",
	})
	exits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "exits_total",
		Help:      "Total number of paired exits placed.",
	})
	hedges := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "hedges_total",
		Help:      "Total number of delta hedge orders placed.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of per-instrument order failures.",
	})
	gatewayFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "gateway_failures_total",
		Help:      "Total number of market data gateway failures.",
	})

	registry.MustRegister(cyclesCompleted, cyclesSkipped, entries, exits, hedges, ordersFailed, gatewayFailures)

	m := &Metrics{
		CyclesCompleted: promCounter{cyclesCompleted},
		CyclesSkipped:   promCounter{cyclesSkipped},
		Entries:         promCounter{entries},
		Exits:           promCounter{exits},
		Hedges:          promCounter{hedges},
		OrdersFailed:    promCounter{ordersFailed},
		GatewayFailures: promCounter{gatewayFailures},
	}

	return &Prometheus{
		Metrics:         m,
		registry:        registry,
		cyclesCompleted: cyclesCompleted,
		cyclesSkipped:   cyclesSkipped,
		entries:         entries,
		exits:           exits,
		hedges:          hedges,
		ordersFailed:    ordersFailed,
		gatewayFailures: gatewayFailures,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
