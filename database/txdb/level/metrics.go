// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package level

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultPromNamespace = "txdb"

type metrics struct {
	batches      prometheus.Counter // Total number of committed batches
	puts         prometheus.Counter // Total number of keys written
	deletes      prometheus.Counter // Total number of keys deleted
	corrupt      prometheus.Counter // Total number of corrupt records seen
	scanDuration prometheus.Gauge   // Duration of the last full scan
}

func newMetrics(namespace, subsystem string) *metrics {
	if namespace == "" {
		namespace = defaultPromNamespace
	}
	return &metrics{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batches_total",
			Help:      "Total number of committed write batches",
		}),
		puts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "keys_put_total",
			Help:      "Total number of keys written",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "keys_deleted_total",
			Help:      "Total number of keys deleted",
		}),
		corrupt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "corrupt_records_total",
			Help:      "Total number of records that failed to decode",
		}),
		scanDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "scan_duration_seconds",
			Help:      "Duration of the last full scan in seconds",
		}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.batches,
		m.puts,
		m.deletes,
		m.corrupt,
		m.scanDuration,
	}
}

// committed records a successful batch.
func (m *metrics) committed(puts, deletes int) {
	m.batches.Inc()
	m.puts.Add(float64(puts))
	m.deletes.Add(float64(deletes))
}

func (m *metrics) scanned(start time.Time) {
	m.scanDuration.Set(time.Since(start).Seconds())
}
