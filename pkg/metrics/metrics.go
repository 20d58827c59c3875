// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the Prometheus instrumentation surface for the
// bridge core: connection state, retry attempts, queue depth, and
// operation/resubscription latency, all labeled by ServerId.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the gauges/counters/histograms the core components
// update. A nil *Registry is valid and every method becomes a no-op, so
// callers that don't care about metrics can pass nil at construction time.
type Registry struct {
	ConnState              *prometheus.GaugeVec
	RetryAttempts          *prometheus.CounterVec
	QueueDepth             *prometheus.GaugeVec
	OperationLatency       *prometheus.HistogramVec
	ResubscribeDuration    *prometheus.HistogramVec
	DuplicateEventsDropped *prometheus.CounterVec
}

// New registers the bridge's metrics on reg and returns the handle. Pass
// nil to opt out of metrics entirely.
func New(reg prometheus.Registerer) *Registry {
	if reg == nil {
		return nil
	}

	m := &Registry{
		ConnState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "iobroker_bridge",
			Name:      "connection_state",
			Help:      "Current connection state per server (1 = active state, 0 otherwise), labeled by server_id and state.",
		}, []string{"server_id", "state"}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iobroker_bridge",
			Name:      "retry_attempts_total",
			Help:      "Total number of reconnect attempts per server.",
		}, []string{"server_id"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "iobroker_bridge",
			Name:      "operation_queue_depth",
			Help:      "Number of queued operations awaiting a ready connection.",
		}, []string{"server_id"}),
		OperationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "iobroker_bridge",
			Name:      "operation_latency_seconds",
			Help:      "Latency of dispatched operations by name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server_id", "operation"}),
		ResubscribeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "iobroker_bridge",
			Name:      "resubscribe_duration_seconds",
			Help:      "Duration of the post-reconnect resubscription cycle.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server_id"}),
		DuplicateEventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iobroker_bridge",
			Name:      "duplicate_events_dropped_total",
			Help:      "Inbound change events suppressed as duplicates within one client generation.",
		}, []string{"server_id"}),
	}

	reg.MustRegister(m.ConnState, m.RetryAttempts, m.QueueDepth, m.OperationLatency, m.ResubscribeDuration, m.DuplicateEventsDropped)
	return m
}

func (m *Registry) SetConnState(serverID, state string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1.0
	}
	m.ConnState.WithLabelValues(serverID, state).Set(v)
}

func (m *Registry) IncRetryAttempt(serverID string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(serverID).Inc()
}

func (m *Registry) SetQueueDepth(serverID string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(serverID).Set(float64(depth))
}

func (m *Registry) ObserveOperationLatencySeconds(serverID, operation string, seconds float64) {
	if m == nil {
		return
	}
	m.OperationLatency.WithLabelValues(serverID, operation).Observe(seconds)
}

func (m *Registry) ObserveResubscribeDurationSeconds(serverID string, seconds float64) {
	if m == nil {
		return
	}
	m.ResubscribeDuration.WithLabelValues(serverID).Observe(seconds)
}

func (m *Registry) IncDuplicateEventDropped(serverID string) {
	if m == nil {
		return
	}
	m.DuplicateEventsDropped.WithLabelValues(serverID).Inc()
}
