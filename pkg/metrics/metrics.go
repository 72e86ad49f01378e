// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package metrics exposes the process-wide Prometheus instruments, plus a few
// expvar counters for quick inspection without a scraper.
package metrics

import (
	"expvar"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SamplesProcessed counts samples through the SPC engine, by source.
	SamplesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "openspc",
		Name:      "samples_processed_total",
		Help:      "Samples processed by the SPC engine.",
	}, []string{"source"})

	// ViolationsCreated counts fired rules, by rule id and severity.
	ViolationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "openspc",
		Name:      "violations_created_total",
		Help:      "Rule violations created.",
	}, []string{"rule", "severity"})

	// ProcessingSeconds observes full engine cycles.
	ProcessingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "openspc",
		Name:      "sample_processing_seconds",
		Help:      "End-to-end sample processing duration.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	// LiveSubscribers gauges currently connected live-update clients.
	LiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "openspc",
		Name:      "live_subscribers",
		Help:      "Connected live-update subscribers.",
	})

	// PurgedSamples counts samples removed by the retention engine.
	PurgedSamples = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "openspc",
		Name:      "purged_samples_total",
		Help:      "Samples deleted by retention purges.",
	})

	// OutboundPublishes counts messages re-published to external brokers.
	OutboundPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "openspc",
		Name:      "outbound_publishes_total",
		Help:      "Events re-published to outbound brokers.",
	}, []string{"event"})
)

// Expvar mirrors of the headline counters.
var (
	ExpSamples    = expvar.NewInt("openspc_samples_processed")
	ExpViolations = expvar.NewInt("openspc_violations_created")
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
