// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics defines the prometheus instrumentation shared by the
// hearth services.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hearth"

type Metrics struct {
	ticketsPublished        prometheus.Counter
	discoveries             *prometheus.CounterVec
	discoveryDuration       prometheus.Histogram
	transitions             *prometheus.CounterVec
	mediaPurgeFailures      prometheus.Counter
	reportsSubmitted        *prometheus.CounterVec
	reportsReceived         *prometheus.CounterVec
	moderatorActionsDropped prometheus.Counter
	pendingWelcomes         prometheus.Gauge
	inboundEvents           *prometheus.CounterVec
	auditPruned             prometheus.Counter
}

// New creates the hearth metrics and registers them with reg. A nil reg
// yields working but unregistered metrics, which tests rely on.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ticketsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_packages_published_total",
			Help:      "number of key package tickets accepted by at least one relay",
		}),
		discoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_package_discoveries_total",
			Help:      "key package discoveries by outcome",
		}, []string{"outcome"}),
		discoveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "key_package_discovery_seconds",
			Help:      "time spent polling relays for key packages",
			Buckets:   []float64{0.1, 0.5, 1, 2, 3, 5, 8, 13},
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relationship_transitions_total",
			Help:      "committed relationship lifecycle transitions",
		}, []string{"from", "to"}),
		mediaPurgeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_purge_failures_total",
			Help:      "media purges that left files behind",
		}),
		reportsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_submitted_total",
			Help:      "outbound reports by level and routing outcome",
		}, []string{"level", "outcome"}),
		reportsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_received_total",
			Help:      "inbound reports by level",
		}, []string{"level"}),
		moderatorActionsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moderator_actions_dropped_total",
			Help:      "moderator actions from keys outside the moderator set",
		}),
		pendingWelcomes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_welcomes",
			Help:      "welcomes awaiting a decision",
		}),
		inboundEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "relay events handled by the dispatch loop",
		}, []string{"kind", "outcome"}),
		auditPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_pruned_total",
			Help:      "audit entries removed by retention",
		}),
	}
}

func (m *Metrics) TicketPublished() {
	m.ticketsPublished.Inc()
}

// Discovery records one finished discovery; outcome is found, empty or
// unavailable.
func (m *Metrics) Discovery(outcome string, seconds float64) {
	m.discoveries.WithLabelValues(outcome).Inc()
	m.discoveryDuration.Observe(seconds)
}

func (m *Metrics) Transition(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) MediaPurgeFailed() {
	m.mediaPurgeFailures.Inc()
}

func (m *Metrics) ReportSubmitted(level int, routed bool) {
	outcome := "routed"
	if !routed {
		outcome = "unrouted"
	}
	m.reportsSubmitted.WithLabelValues(strconv.Itoa(level), outcome).Inc()
}

func (m *Metrics) ReportReceived(level int) {
	m.reportsReceived.WithLabelValues(strconv.Itoa(level)).Inc()
}

func (m *Metrics) ModeratorActionDropped() {
	m.moderatorActionsDropped.Inc()
}

func (m *Metrics) SetPendingWelcomes(n int) {
	m.pendingWelcomes.Set(float64(n))
}

func (m *Metrics) InboundEvent(kind int, outcome string) {
	m.inboundEvents.WithLabelValues(strconv.Itoa(kind), outcome).Inc()
}

func (m *Metrics) AuditPruned(n int64) {
	m.auditPruned.Add(float64(n))
}
