package modloader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level metric registrations, mirroring the promauto var-block
// pattern cron/builder.go and metrics/builder.go use for per-job and
// per-handler instrumentation.
var (
	fetchesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modloader",
		Name:      "fetches_started_total",
		Help:      "Number of Fetcher.Fetch calls started, deduplicated per URL.",
	})

	fetchesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modloader",
		Name:      "fetches_completed_total",
		Help:      "Number of fetches that completed, labeled by outcome.",
	}, []string{"outcome"})

	wrappersInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "modloader",
		Name:      "wrappers_in_flight",
		Help:      "Number of module wrappers currently registered with the loader.",
	})

	loadsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "modloader",
		Name:      "loads_in_flight",
		Help:      "Number of URL fetches currently in flight or completed and retained.",
	})

	executions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modloader",
		Name:      "executions_total",
		Help:      "Number of module wrapper executions.",
	})

	latchedErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modloader",
		Name:      "latched_errors_total",
		Help:      "Number of distinct errors that latched a loader instance.",
	})
)
