// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package health exposes the pipeline's own delivery counters.
//
// Accepted, dropped and abandoned counts are the only required observability
// of the pipeline itself: persistent downstream unavailability shows up as
// sustained counter growth, never as a process crash.
package health

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the per-pipeline delivery counters.
type Metrics struct {
	registry *prometheus.Registry

	// AcceptedSignals counts envelopes accepted at ingress, per pipeline.
	AcceptedSignals *prometheus.CounterVec

	// RejectedSignals counts ingress rejections by reason
	// (malformed, overloaded).
	RejectedSignals *prometheus.CounterVec

	// UnroutedSignals counts envelopes whose kind matched no configured
	// pipeline. A configuration error, not a runtime failure.
	UnroutedSignals *prometheus.CounterVec

	// SealedBatches counts batches sealed by the batching stage, per
	// pipeline, labelled by what forced the seal (size, age, shutdown).
	SealedBatches *prometheus.CounterVec

	// DroppedBatches counts batches rejected by a full export queue.
	DroppedBatches *prometheus.CounterVec

	// DeliveredBatches counts batches acknowledged by a sink.
	DeliveredBatches *prometheus.CounterVec

	// FailedBatches counts batches dropped on a permanent delivery failure.
	FailedBatches *prometheus.CounterVec

	// AbandonedBatches counts batches given up on after retry exhaustion
	// or an expired shutdown drain.
	AbandonedBatches *prometheus.CounterVec
}

// New returns Metrics backed by a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		AcceptedSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telhaul_signals_accepted_total",
			Help: "Envelopes accepted at ingress.",
		}, []string{"pipeline"}),
		RejectedSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telhaul_signals_rejected_total",
			Help: "Envelopes rejected at ingress.",
		}, []string{"reason"}),
		UnroutedSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telhaul_signals_unrouted_total",
			Help: "Envelopes whose kind matched no configured pipeline.",
		}, []string{"kind"}),
		SealedBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telhaul_batches_sealed_total",
			Help: "Batches sealed by the batching stage.",
		}, []string{"pipeline", "cause"}),
		DroppedBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telhaul_batches_dropped_total",
			Help: "Batches rejected by a full export queue.",
		}, []string{"pipeline", "sink"}),
		DeliveredBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telhaul_batches_delivered_total",
			Help: "Batches acknowledged by a sink.",
		}, []string{"pipeline", "sink"}),
		FailedBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telhaul_batches_failed_total",
			Help: "Batches dropped on a permanent delivery failure.",
		}, []string{"pipeline", "sink"}),
		AbandonedBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telhaul_batches_abandoned_total",
			Help: "Batches abandoned after retry exhaustion or drain timeout.",
		}, []string{"pipeline", "sink"}),
	}

	m.registry.MustRegister(
		m.AcceptedSignals,
		m.RejectedSignals,
		m.UnroutedSignals,
		m.SealedBatches,
		m.DroppedBatches,
		m.DeliveredBatches,
		m.FailedBatches,
		m.AbandonedBatches,
	)
	return m
}

// Handler returns an http.Handler serving the counters in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
