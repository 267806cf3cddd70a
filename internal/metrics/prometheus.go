package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "dn_keeper_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry          *prometheus.Registry
	bundlesBroadcast  prometheus.Counter
	broadcastFailed   prometheus.Counter
	jobsCompleted     prometheus.Counter
	jobsFailed        prometheus.Counter
	rebalances        prometheus.Counter
	panicUnwinds      prometheus.Counter
	forcedExits       prometheus.Counter
	stasisTransitions prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	bundlesBroadcast := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "bundles_broadcast_total",
		Help:      "Total number of transaction bundles broadcast.",
	})
	broadcastFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "broadcast_failed_total",
		Help:      "Total number of broadcast failures.",
	})
	jobsCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "jobs_completed_total",
		Help:      "Total number of jobs completed.",
	})
	jobsFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "jobs_failed_total",
		Help:      "Total number of job executions that returned an error.",
	})
	rebalances := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "rebalances_total",
		Help:      "Total number of delta rebalances executed.",
	})
	panicUnwinds := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "panic_unwinds_total",
		Help:      "Total number of panic unwinds triggered.",
	})
	forcedExits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "forced_exits_total",
		Help:      "Total number of keeper-forced exits.",
	})
	stasisTransitions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "stasis_transitions_total",
		Help:      "Total number of stasis entries and exits.",
	})

	registry.MustRegister(bundlesBroadcast, broadcastFailed, jobsCompleted, jobsFailed,
		rebalances, panicUnwinds, forcedExits, stasisTransitions)

	m := &Metrics{
		BundlesBroadcast:  promCounter{bundlesBroadcast},
		BroadcastFailed:   promCounter{broadcastFailed},
		JobsCompleted:     promCounter{jobsCompleted},
		JobsFailed:        promCounter{jobsFailed},
		Rebalances:        promCounter{rebalances},
		PanicUnwinds:      promCounter{panicUnwinds},
		ForcedExits:       promCounter{forcedExits},
		StasisTransitions: promCounter{stasisTransitions},
	}

	return &Prometheus{
		Metrics:           m,
		registry:          registry,
		bundlesBroadcast:  bundlesBroadcast,
		broadcastFailed:   broadcastFailed,
		jobsCompleted:     jobsCompleted,
		jobsFailed:        jobsFailed,
		rebalances:        rebalances,
		panicUnwinds:      panicUnwinds,
		forcedExits:       forcedExits,
		stasisTransitions: stasisTransitions,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
