// Package metrics defines the bridge's Prometheus instrumentation. The host
// application decides where (or whether) the default registry is scraped;
// this package only registers collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// KernelStartCounter counts kernel start attempts by outcome.
	KernelStartCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "revkernel_starts_total",
		Help: "Total number of embedded kernel start attempts.",
	}, []string{"engine", "status"})

	// KernelStopCounter counts kernel stop calls.
	KernelStopCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "revkernel_stops_total",
		Help: "Total number of embedded kernel stop calls.",
	}, []string{"engine"})

	// IterationCounter counts run-loop iterations by outcome.
	IterationCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "revkernel_iterations_total",
		Help: "Total number of message-processing iterations.",
	}, []string{"engine", "status"})

	// IterationDuration measures how long a single iteration takes. Each
	// iteration is expected to be short; a fat tail here means queued client
	// work is starving the host's main thread.
	IterationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "revkernel_iteration_duration_seconds",
		Help:    "Duration of message-processing iterations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"engine"})

	// TeeWriteCounter counts writes through the stream tee per role and
	// destination.
	TeeWriteCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "revkernel_tee_writes_total",
		Help: "Total number of writes duplicated by the stream tee.",
	}, []string{"role", "destination"})

	// TeeForwardFailures counts writes the tee could not deliver to the host
	// console sink. These are degraded, not fatal: the client-facing write
	// still happens.
	TeeForwardFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "revkernel_tee_forward_failures_total",
		Help: "Total number of failed forwards to the host console sink.",
	}, []string{"role"})

	// HookFailures counts hook-chain links that panicked or errored while
	// being invoked.
	HookFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "revkernel_hook_failures_total",
		Help: "Total number of failures inside chained hook callbacks.",
	}, []string{"hook", "link"})
)
