//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

// Package monitoring exposes the prometheus metrics of the ingest data
// plane. A nil *Metrics is valid and records nothing, so components take
// it as an optional dependency.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	persistedRecords *prometheus.CounterVec
	persistedBytes   prometheus.Counter
	persistDuration  prometheus.Histogram

	fetchedBatches  prometheus.Counter
	fetchStreamErrs prometheus.Counter

	publishedSplits prometheus.Counter
	walBytes        prometheus.Gauge
	shardsHosted    prometheus.Gauge

	routedSubrequests *prometheus.CounterVec
}

// NewMetrics registers the data-plane metrics with the given registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		persistedRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_persisted_records_total",
			Help: "Records offered to persist, by outcome",
		}, []string{"outcome"}),
		persistedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_persisted_bytes_total",
			Help: "Payload bytes appended to shard logs",
		}),
		persistDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_persist_duration_seconds",
			Help:    "Duration of persist requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		fetchedBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_fetched_batches_total",
			Help: "Record batches delivered to fetch streams",
		}),
		fetchStreamErrs: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_fetch_stream_errors_total",
			Help: "Recoverable per-shard fetch stream failures",
		}),
		publishedSplits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_published_splits_total",
			Help: "Splits published to the metastore",
		}),
		walBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_wal_bytes",
			Help: "Bytes currently held across all shard logs",
		}),
		shardsHosted: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_shards_hosted",
			Help: "Shard replicas currently hosted",
		}),
		routedSubrequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_routed_subrequests_total",
			Help: "Ingest subrequests terminated at the router, by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ObservePersist(outcome string, numRecords int, numBytes int, seconds float64) {
	if m == nil {
		return
	}
	m.persistedRecords.WithLabelValues(outcome).Add(float64(numRecords))
	if outcome == "success" {
		m.persistedBytes.Add(float64(numBytes))
	}
	m.persistDuration.Observe(seconds)
}

func (m *Metrics) ObserveFetchBatch() {
	if m == nil {
		return
	}
	m.fetchedBatches.Inc()
}

func (m *Metrics) ObserveFetchStreamError() {
	if m == nil {
		return
	}
	m.fetchStreamErrs.Inc()
}

func (m *Metrics) ObservePublishedSplits(numSplits int) {
	if m == nil {
		return
	}
	m.publishedSplits.Add(float64(numSplits))
}

func (m *Metrics) SetWalBytes(numBytes int64) {
	if m == nil {
		return
	}
	m.walBytes.Set(float64(numBytes))
}

func (m *Metrics) AddHostedShards(delta int) {
	if m == nil {
		return
	}
	m.shardsHosted.Add(float64(delta))
}

func (m *Metrics) ObserveRoutedSubrequests(outcome string, count int) {
	if m == nil {
		return
	}
	m.routedSubrequests.WithLabelValues(outcome).Add(float64(count))
}
