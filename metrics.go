// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package exchange

import "github.com/prometheus/client_golang/prometheus"

// metricSet is the set of Prometheus instruments the exchange client
// updates as it runs. Grounded on idk/metrics.go's registration style:
// package-level vars registered once via MustRegister in init.
type metricSet struct {
	bufferedBytes       prometheus.Gauge
	averageResponseSize prometheus.Gauge
	dispatchTarget      prometheus.Gauge
	requestsDispatched  prometheus.Counter
	pagesReceived       prometheus.Counter
}

func newMetricSet() *metricSet {
	return &metricSet{
		bufferedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exchange",
			Name:      "buffered_bytes",
			Help:      "Retained bytes currently held in the page queue.",
		}),
		averageResponseSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exchange",
			Name:      "average_response_bytes",
			Help:      "Cumulative mean of on-the-wire response size across all successful requests.",
		}),
		dispatchTarget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exchange",
			Name:      "dispatch_target",
			Help:      "Most recently computed adaptive dispatch target.",
		}),
		requestsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "requests_dispatched_total",
			Help:      "Number of sub-client requests scheduled.",
		}),
		pagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "pages_received_total",
			Help:      "Number of pages accepted via AddPages.",
		}),
	}
}

func (m *metricSet) register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.bufferedBytes,
		m.averageResponseSize,
		m.dispatchTarget,
		m.requestsDispatched,
		m.pagesReceived,
	)
}

// defaultMetrics is registered against the default Prometheus registry the
// first time the package is used, the same way idk/metrics.go registers
// its package-level counters unconditionally in init. NewClient always
// wires it in; tests that construct many Clients share one instrument set,
// exactly as multiple indexes share idk's package-level counters.
var defaultMetrics = newMetricSet()

func init() {
	defaultMetrics.register(prometheus.DefaultRegisterer)
}
