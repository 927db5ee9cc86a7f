// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package slidingsync

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instrumentation for an Engine. A nil
// *Metrics is safe to use everywhere: every method is a no-op, mirroring
// dendrite's DisableMetrics pattern in internal/caching so tests and
// embedders that don't care about metrics don't need a registry.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	listSize        *prometheus.GaugeVec
}

// NewMetrics registers sliding-sync metrics with reg and returns a
// Metrics handle. Pass a nil reg (or use nil *Metrics directly) to
// disable instrumentation.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clientcore_slidingsync_requests_total",
			Help: "Total sliding-sync request cycles by outcome.",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "clientcore_slidingsync_request_duration_seconds",
			Help: "Sliding-sync request round-trip latency.",
		}),
		listSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clientcore_slidingsync_list_size",
			Help: "Number of rooms currently tracked in a list's index mapping.",
		}, []string{"list"}),
	}
	reg.MustRegister(m.requestsTotal, m.requestDuration, m.listSize)
	return m
}

func (m *Metrics) observeRequest(d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.Observe(d.Seconds())
}

func (m *Metrics) observeListSize(listIndex int, size int) {
	if m == nil {
		return
	}
	m.listSize.WithLabelValues(strconv.Itoa(listIndex)).Set(float64(size))
}
