package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "watchdog"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	restarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Number of restart attempts of the managed process.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	fatal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "fatal_total",
			Help:      "Number of times the restart ceiling was reached.",
		},
	)

	cpuPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage of the managed process at the last probe.",
		},
	)
	memoryPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "memory_percent",
			Help:      "Memory usage of the managed process at the last probe.",
		},
	)
	thresholdBreaches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "threshold_breaches_total",
			Help:      "Number of probes above an advisory resource threshold.",
		}, []string{"resource"},
	)

	logErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logs",
			Name:      "errors_total",
			Help:      "Classified error lines seen in the process log.",
		}, []string{"class"},
	)
	bursts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logs",
			Name:      "bursts_total",
			Help:      "Number of frequent-error signals raised.",
		},
	)

	storageFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "free_bytes",
			Help:      "Free bytes on the monitored filesystem at the last check.",
		},
	)
	storageReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "reclaimed_bytes_total",
			Help:      "Bytes removed from scratch directories.",
		},
	)
)

// States lists every value the current_state gauge is reported for.
var States = []string{"starting", "running", "unhealthy", "restarting", "fatal_stop"}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		restarts, stateTransitions, currentState, fatal,
		cpuPercent, memoryPercent, thresholdBreaches,
		logErrors, bursts, storageFree, storageReclaimed,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer; keep existing
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncRestart() {
	if regOK.Load() {
		restarts.Inc()
	}
}

func IncFatal() {
	if regOK.Load() {
		fatal.Inc()
	}
}

// RecordStateTransition counts the transition and moves the current_state
// gauge from one state to the other.
func RecordStateTransition(from, to string) {
	if !regOK.Load() {
		return
	}
	stateTransitions.WithLabelValues(from, to).Inc()
	SetCurrentState(to)
}

// SetCurrentState marks state active and all other known states inactive.
func SetCurrentState(state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		currentState.WithLabelValues(s).Set(v)
	}
}

func ObserveProcess(cpu float64, mem float32) {
	if regOK.Load() {
		cpuPercent.Set(cpu)
		memoryPercent.Set(float64(mem))
	}
}

func IncThresholdBreach(resource string) {
	if regOK.Load() {
		thresholdBreaches.WithLabelValues(resource).Inc()
	}
}

func IncLogError(class string) {
	if regOK.Load() {
		logErrors.WithLabelValues(class).Inc()
	}
}

func IncBurst() {
	if regOK.Load() {
		bursts.Inc()
	}
}

func SetStorageFree(bytes uint64) {
	if regOK.Load() {
		storageFree.Set(float64(bytes))
	}
}

func AddReclaimed(bytes int64) {
	if regOK.Load() && bytes > 0 {
		storageReclaimed.Add(float64(bytes))
	}
}
