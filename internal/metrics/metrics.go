// Package metrics exposes the pipeline's prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsLinked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sequent_events_linked_total",
		Help: "Events assigned a sequence number and queued for publishing.",
	})

	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sequent_events_published_total",
		Help: "Events handed to the outbound transport.",
	})

	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sequent_publish_failures_total",
		Help: "Publish attempts that failed and left the event queued.",
	})

	DiscoveryRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sequent_discovery_runs_total",
		Help: "Discovery polls per subscription.",
	}, []string{"source", "component"})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sequent_events_processed_total",
		Help: "Events delivered to a component and recorded as processed.",
	}, []string{"source", "component"})

	StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sequent_stream_errors_total",
		Help: "Stream failures persisted to the error repository.",
	}, []string{"source", "component"})

	StreamsFixed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sequent_streams_fixed_total",
		Help: "Quarantined streams that processed successfully again.",
	}, []string{"source", "component"})

	ActiveWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sequent_subscription_workers_active",
		Help: "Currently running subscription workers per pair.",
	}, []string{"source", "component"})
)
