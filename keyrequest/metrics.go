// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package keyrequest

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors for a Manager. A nil *Metrics
// is valid and makes every method a no-op, mirroring dendrite's
// DisableMetrics pattern (see federationapi/storage and slidingsync's
// own Metrics type) so callers that don't run a registry don't have to
// special-case metrics calls.
type Metrics struct {
	dispatchTotal *prometheus.CounterVec
	stateGauge    *prometheus.GaugeVec
}

// NewMetrics registers and returns a Metrics bound to reg. A nil reg
// disables metrics collection entirely.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clientcore",
			Subsystem: "keyrequest",
			Name:      "dispatch_total",
			Help:      "Total outgoing room-key request/cancellation dispatch attempts.",
		}, []string{"kind", "outcome"}),
		stateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clientcore",
			Subsystem: "keyrequest",
			Name:      "state",
			Help:      "Number of outgoing room-key requests currently in each state.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.dispatchTotal, m.stateGauge)
	return m
}

// observeDispatch records one dispatch attempt. kind is "request" or
// "cancellation"; outcome is "success" or "error".
func (m *Metrics) observeDispatch(kind, outcome string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(kind, outcome).Inc()
}

// setStateCount reports the current population of requests in state st.
// Callers that maintain a live count (e.g. a periodic store scan) use
// this to keep the gauge fresh; it is not updated on every transition.
func (m *Metrics) setStateCount(st State, count float64) {
	if m == nil {
		return
	}
	m.stateGauge.WithLabelValues(st.String()).Set(count)
}
