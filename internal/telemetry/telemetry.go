// Package telemetry exports the scrub statistics record (spec.md §6) as
// Prometheus counters/gauges, labeled by device id, for operator
// dashboards and alerting.
package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/behrlich/btrfs-scrub/internal/pipeline"
)

// Collector registers and updates the Prometheus metrics for one or more
// devices under scrub. It is not itself a prometheus.Collector; instead
// it owns conventional counter/gauge vectors and is told to Observe a
// pipeline.Stats snapshot whenever the caller wants the exported series
// refreshed (on each batch completion, or on a timer).
type Collector struct {
	bytesScrubbed *prometheus.CounterVec
	bytesVerified *prometheus.CounterVec
	bytesSkipped  *prometheus.CounterVec
	readErrors    *prometheus.CounterVec

	lastPhysical *prometheus.GaugeVec

	prevScrubbed map[uint64]int64
	prevVerified map[uint64]int64
	prevSkipped  map[uint64]int64
	prevReadErr  map[uint64]int64
}

// NewCollector builds a Collector and registers its metrics with reg. If
// reg is nil, the default Prometheus registry is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		bytesScrubbed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrub", Name: "bytes_scrubbed_total",
			Help: "Total bytes read and checksum-checked during scrub.",
		}, []string{"device_id"}),
		bytesVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrub", Name: "bytes_verified_total",
			Help: "Total bytes that passed checksum/header verification.",
		}, []string{"device_id"}),
		bytesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrub", Name: "bytes_skipped_total",
			Help: "Total bytes skipped due to the synergistic filter.",
		}, []string{"device_id"}),
		readErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrub", Name: "read_errors_total",
			Help: "Total I/O read errors encountered during scrub.",
		}, []string{"device_id"}),
		lastPhysical: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "scrub", Name: "last_physical_offset",
			Help: "Physical offset of the most recently completed batch.",
		}, []string{"device_id"}),
		prevScrubbed: make(map[uint64]int64),
		prevVerified: make(map[uint64]int64),
		prevSkipped:  make(map[uint64]int64),
		prevReadErr:  make(map[uint64]int64),
	}
	reg.MustRegister(c.bytesScrubbed, c.bytesVerified, c.bytesSkipped, c.readErrors, c.lastPhysical)
	return c
}

// Observe updates the exported series for deviceID from a Stats
// snapshot plus the cursor's last physical offset. Counters only ever
// move forward (Prometheus counters can't decrease), so Observe tracks
// the previously-seen snapshot per device and adds only the delta.
func (c *Collector) Observe(deviceID uint64, snap pipeline.Stats, lastPhysical int64) {
	label := deviceIDLabel(deviceID)

	c.addDelta(c.bytesScrubbed.WithLabelValues(label), c.prevScrubbed, deviceID, snap.BytesScrubbed)
	c.addDelta(c.bytesVerified.WithLabelValues(label), c.prevVerified, deviceID, snap.BytesVerified)
	c.addDelta(c.bytesSkipped.WithLabelValues(label), c.prevSkipped, deviceID, snap.BytesSkipped)
	c.addDelta(c.readErrors.WithLabelValues(label), c.prevReadErr, deviceID, snap.ReadErrors)

	c.lastPhysical.WithLabelValues(label).Set(float64(lastPhysical))
}

func (c *Collector) addDelta(counter prometheus.Counter, prev map[uint64]int64, deviceID uint64, total int64) {
	delta := total - prev[deviceID]
	if delta > 0 {
		counter.Add(float64(delta))
	}
	prev[deviceID] = total
}

func deviceIDLabel(deviceID uint64) string {
	return strconv.FormatUint(deviceID, 10)
}
