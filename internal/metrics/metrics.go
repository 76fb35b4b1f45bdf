// Copyright 2024 AI SA Assistant Project
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

// Package metrics holds the Prometheus instruments of the widget backend.
//
// All recording methods are safe on a nil *Metrics, so components can be
// constructed without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "funnel_assistant"

// Metrics groups every instrument exported on /metrics.
type Metrics struct {
	// StreamAttempts counts streaming attempts by outcome (success, error, stalled, timeout).
	StreamAttempts *prometheus.CounterVec
	// StreamRetries counts retries scheduled by the ingestor.
	StreamRetries prometheus.Counter
	// StreamDuration measures whole sessions including retries.
	StreamDuration *prometheus.HistogramVec
	// ActiveStreams tracks sessions that have not finished yet.
	ActiveStreams prometheus.Gauge

	// GuardDecisions counts ask() results by kind and resolving tier.
	GuardDecisions *prometheus.CounterVec
	// ResolverLatency measures single tier calls.
	ResolverLatency *prometheus.HistogramVec

	// FunnelSteps counts engine steps by product and kind.
	FunnelSteps *prometheus.CounterVec

	// LeadSubmissions counts transport results by outcome.
	LeadSubmissions *prometheus.CounterVec
	// OutboxPending is the number of undelivered leads.
	OutboxPending prometheus.Gauge
}

// New registers all instruments with reg. Pass prometheus.NewRegistry() in
// tests so registrations never collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		StreamAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "attempts_total",
				Help:      "Streaming attempts by outcome",
			},
			[]string{"outcome"},
		),
		StreamRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "retries_total",
				Help:      "Retries scheduled after a failed streaming attempt",
			},
		),
		StreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "duration_seconds",
				Help:      "Duration of streaming sessions including retries",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
			},
			[]string{"status"},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "active",
				Help:      "Streaming sessions currently running",
			},
		),
		GuardDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "guard",
				Name:      "decisions_total",
				Help:      "Guard decisions by kind and answering source",
			},
			[]string{"kind", "source"},
		),
		ResolverLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "guard",
				Name:      "resolver_duration_seconds",
				Help:      "Latency of single answer tier calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"resolver", "result"},
		),
		FunnelSteps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "funnel",
				Name:      "steps_total",
				Help:      "Funnel engine steps by product and kind",
			},
			[]string{"product", "kind"},
		),
		LeadSubmissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lead",
				Name:      "submissions_total",
				Help:      "Lead transport results by outcome",
			},
			[]string{"outcome"},
		),
		OutboxPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "lead",
				Name:      "outbox_pending",
				Help:      "Leads persisted but not yet delivered",
			},
		),
	}
}

func (m *Metrics) RecordStreamAttempt(outcome string) {
	if m == nil {
		return
	}
	m.StreamAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordStreamRetry() {
	if m == nil {
		return
	}
	m.StreamRetries.Inc()
}

// StreamStarted increments the active gauge and returns the function that
// records the session's end.
func (m *Metrics) StreamStarted() func(status string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.ActiveStreams.Inc()
	return func(status string) {
		m.ActiveStreams.Dec()
		m.StreamDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) RecordGuardDecision(kind, source string) {
	if m == nil {
		return
	}
	m.GuardDecisions.WithLabelValues(kind, source).Inc()
}

func (m *Metrics) ObserveResolver(resolver string, answered bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "empty"
	if answered {
		result = "answered"
	}
	m.ResolverLatency.WithLabelValues(resolver, result).Observe(d.Seconds())
}

func (m *Metrics) RecordFunnelStep(product, kind string) {
	if m == nil {
		return
	}
	m.FunnelSteps.WithLabelValues(product, kind).Inc()
}

func (m *Metrics) RecordLeadSubmission(outcome string) {
	if m == nil {
		return
	}
	m.LeadSubmissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}
