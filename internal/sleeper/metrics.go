package sleeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	serviceStopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helmsman",
		Subsystem: "sleeper",
		Name:      "service_stops_total",
		Help:      "Idle services stopped by the monitor.",
	}, []string{"service"})

	serviceStopFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helmsman",
		Subsystem: "sleeper",
		Name:      "service_stop_failures_total",
		Help:      "Stop attempts that failed; the service stays running.",
	}, []string{"service"})

	modelUnloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helmsman",
		Subsystem: "sleeper",
		Name:      "model_unloads_total",
		Help:      "Models unloaded after keep-alive expiry.",
	}, []string{"model"})

	modelUnloadFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "helmsman",
		Subsystem: "sleeper",
		Name:      "model_unload_failures_total",
		Help:      "Unload attempts that failed; the window stays set and the next tick retries.",
	}, []string{"model"})

	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "helmsman",
		Subsystem: "sleeper",
		Name:      "ticks_total",
		Help:      "Reconciliation passes completed.",
	})
)
