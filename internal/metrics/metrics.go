// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_runs_started_total",
			Help: "Total runs started by workflow kind",
		},
		[]string{"kind"},
	)

	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_runs_completed_total",
			Help: "Total runs completed by workflow kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_run_duration_seconds",
			Help:    "Wall-clock run duration by workflow kind",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"kind"},
	)

	eventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_events_emitted_total",
			Help: "Total event log entries emitted by event type",
		},
		[]string{"type"},
	)

	streamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_stream_subscribers",
			Help: "Currently connected SSE subscribers",
		},
	)

	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_persistence_errors_total",
			Help: "Total persistence operation errors by operation and error code",
		},
		[]string{"operation", "code"},
	)

	sandboxCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_sandbox_commands_total",
			Help: "Total sandbox commands by outcome (allowed, denied, failed)",
		},
		[]string{"outcome"},
	)
)

// RecordRunStarted increments the started counter for a kind.
func RecordRunStarted(kind string) {
	runsStarted.WithLabelValues(kind).Inc()
}

// RecordRunCompleted records a terminal run with its duration.
func RecordRunCompleted(kind, status string, duration time.Duration) {
	runsCompleted.WithLabelValues(kind, status).Inc()
	runDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordEventEmitted increments the event counter for a type.
func RecordEventEmitted(eventType string) {
	eventsEmitted.WithLabelValues(eventType).Inc()
}

// StreamSubscriberConnected adjusts the live subscriber gauge.
func StreamSubscriberConnected()    { streamSubscribers.Inc() }
func StreamSubscriberDisconnected() { streamSubscribers.Dec() }

// RecordPersistenceError increments the persistence error counter.
func RecordPersistenceError(operation, code string) {
	persistenceErrors.WithLabelValues(operation, code).Inc()
}

// RecordSandboxCommand increments the sandbox command counter.
// outcome is one of: allowed, denied, failed.
func RecordSandboxCommand(outcome string) {
	sandboxCommands.WithLabelValues(outcome).Inc()
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
