// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package svc

import (
	"expvar"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// latencyBucketsMs are the upper bounds, in milliseconds, of the
// histogram buckets used for the request latency metric.
var latencyBucketsMs = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}

// requestsPerConnBuckets are the bucket bounds for the per-connection
// request-count histogram observed once at connection close.
var requestsPerConnBuckets = []float64{1, 10, 100, 1000, 10000, 100000}

// Metrics records activity across all connections that share it. A
// Metrics value is safe for concurrent use.
//
// Flat counters (request and error counts, the live concurrency gauge)
// are plain expvar values exported through Map. The two histogram-kind
// metrics, which expvar has no type for, are Prometheus histograms
// registered on a private registry exposed through Registry.
type Metrics struct {
	requests           expvar.Int
	requestTags        expvar.Map // keyed by decorator-supplied tag
	errors             expvar.Map // keyed by error class
	concurrentRequests expvar.Int

	latency         prometheus.Histogram
	requestsPerConn prometheus.Histogram

	emap *expvar.Map
	preg *prometheus.Registry
}

// NewMetrics creates a fresh metrics facade for the named service. The
// expvar counters live in their own expvar.Map and the histograms in
// their own prometheus.Registry, rather than the global registries of
// either library, so that multiple independently-configured services
// (and tests, which build facades freely) don't collide.
func NewMetrics(name string) *Metrics {
	m := &Metrics{
		emap: new(expvar.Map),
		preg: prometheus.NewRegistry(),
	}
	var svcName expvar.String
	svcName.Set(name)
	m.emap.Set("name", &svcName)
	m.emap.Set("requests", &m.requests)
	m.emap.Set("request_tags", &m.requestTags)
	m.emap.Set("errors", &m.errors)
	m.emap.Set("concurrent_requests", &m.concurrentRequests)

	labels := prometheus.Labels{"service": name}
	m.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "svc",
		Name:        "request_latency_milliseconds",
		Help:        "Time from request admission to response push",
		Buckets:     latencyBucketsMs,
		ConstLabels: labels,
	})
	m.requestsPerConn = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "svc",
		Name:        "requests_per_connection",
		Help:        "Requests admitted over the lifetime of a connection",
		Buckets:     requestsPerConnBuckets,
		ConstLabels: labels,
	})
	m.preg.MustRegister(m.latency, m.requestsPerConn)
	return m
}

// Map returns the expvar.Map holding m's counters, suitable for
// publishing under expvar.Publish or for inspection in tests.
func (m *Metrics) Map() *expvar.Map { return m.emap }

// Registry returns the Prometheus registry holding m's histograms,
// suitable for serving via promhttp or gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.preg }

func (m *Metrics) recordRequest(latencyMs int64, tags []string) {
	m.requests.Add(1)
	m.latency.Observe(float64(latencyMs))
	for _, tag := range tags {
		m.requestTags.Add(tag, 1)
	}
}

func (m *Metrics) recordError(class string) {
	m.errors.Add(class, 1)
}

func (m *Metrics) incConcurrent(n int64) { m.concurrentRequests.Add(n) }

func (m *Metrics) recordRequestsPerConnection(n uint64) {
	m.requestsPerConn.Observe(float64(n))
}

func millisSince(clk Clock, t time.Time) int64 {
	return clk.Now().Sub(t).Milliseconds()
}
