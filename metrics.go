package goishmem

import (
	"strings"
	"sync/atomic"
	"time"
)

// LatencyBuckets are the histogram bucket upper bounds in nanoseconds,
// log-spaced from 1us to 10s.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks per-process communication statistics: RMA/AMO op and byte
// counts, fast-path vs proxy-path dispatch counts, ring backpressure, and a
// latency histogram shared across every operation family.
type Metrics struct {
	RMAOps        atomic.Uint64
	RMABytes      atomic.Uint64
	AMOOps        atomic.Uint64
	SignalOps     atomic.Uint64
	CollectiveOps atomic.Uint64

	FastPathHits    atomic.Uint64
	ProxyDispatches atomic.Uint64
	RingFullStalls  atomic.Uint64

	Errors atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics creates a fresh Metrics, timestamped as started.
func NewMetrics(now time.Time) *Metrics {
	m := &Metrics{}
	m.StartTime.Store(now.UnixNano())
	return m
}

// RecordRMA records a put/get-family operation.
func (m *Metrics) RecordRMA(bytes uint64, latencyNs int64, err error) {
	m.RMAOps.Add(1)
	m.RMABytes.Add(bytes)
	m.recordLatency(latencyNs, err)
}

// RecordAMO records an atomic-memory operation.
func (m *Metrics) RecordAMO(latencyNs int64, err error) {
	m.AMOOps.Add(1)
	m.recordLatency(latencyNs, err)
}

// RecordSignal records a signal-family operation.
func (m *Metrics) RecordSignal(latencyNs int64, err error) {
	m.SignalOps.Add(1)
	m.recordLatency(latencyNs, err)
}

// RecordCollective records a collective operation.
func (m *Metrics) RecordCollective(latencyNs int64, err error) {
	m.CollectiveOps.Add(1)
	m.recordLatency(latencyNs, err)
}

// RecordDispatch records whether a primitive was served by the intra-node
// fast path or handed to the proxy ring.
func (m *Metrics) RecordDispatch(fastPath bool) {
	if fastPath {
		m.FastPathHits.Add(1)
	} else {
		m.ProxyDispatches.Add(1)
	}
}

// RecordRingFullStall records a ring-slot-acquire spin that found every
// slot still owned by the host (one producer waited for a free ticket).
func (m *Metrics) RecordRingFullStall() {
	m.RingFullStalls.Add(1)
}

func (m *Metrics) recordLatency(latencyNs int64, err error) {
	if err != nil {
		m.Errors.Add(1)
	}
	if latencyNs < 0 {
		return
	}
	ns := uint64(latencyNs)
	m.TotalLatencyNs.Add(ns)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if ns <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived fields.
type MetricsSnapshot struct {
	RMAOps, RMABytes, AMOOps, SignalOps, CollectiveOps uint64
	FastPathHits, ProxyDispatches, RingFullStalls      uint64
	Errors                                             uint64
	AvgLatencyNs                                       uint64
	LatencyP50Ns, LatencyP99Ns, LatencyP999Ns          uint64
	LatencyHistogram                                   [numLatencyBuckets]uint64
	UptimeNs                                           uint64
}

// Snapshot returns a point-in-time view of m, computed against now.
func (m *Metrics) Snapshot(now time.Time) MetricsSnapshot {
	snap := MetricsSnapshot{
		RMAOps:          m.RMAOps.Load(),
		RMABytes:        m.RMABytes.Load(),
		AMOOps:          m.AMOOps.Load(),
		SignalOps:       m.SignalOps.Load(),
		CollectiveOps:   m.CollectiveOps.Load(),
		FastPathHits:    m.FastPathHits.Load(),
		ProxyDispatches: m.ProxyDispatches.Load(),
		RingFullStalls:  m.RingFullStalls.Load(),
		Errors:          m.Errors.Load(),
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}
	snap.UptimeNs = uint64(now.UnixNano() - m.StartTime.Load())

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}
	return snap
}

// calculatePercentile estimates the latency at the given percentile using
// linear interpolation between adjacent histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer is the pluggable sink every primitive reports through; it
// matches internal/interfaces.Observer so internal packages can record
// without importing this package.
type Observer interface {
	RecordOp(op string, latencyNanos int64, err error)
	IncCounter(name string, delta int64)
}

// NoOpObserver discards everything.
type NoOpObserver struct{}

func (NoOpObserver) RecordOp(string, int64, error) {}
func (NoOpObserver) IncCounter(string, int64)      {}

// MetricsObserver routes RecordOp/IncCounter calls into a Metrics, bucketed
// by the op family encoded in the op name's prefix.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver returns an Observer backed by m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) RecordOp(op string, latencyNanos int64, err error) {
	switch opFamily(op) {
	case "amo":
		o.metrics.RecordAMO(latencyNanos, err)
	case "signal":
		o.metrics.RecordSignal(latencyNanos, err)
	case "collective":
		o.metrics.RecordCollective(latencyNanos, err)
	default:
		o.metrics.RecordRMA(0, latencyNanos, err)
	}
}

func (o *MetricsObserver) IncCounter(name string, delta int64) {
	switch name {
	case "ring_full_stall":
		for i := int64(0); i < delta; i++ {
			o.metrics.RecordRingFullStall()
		}
	case "fast_path_hit":
		o.metrics.RecordDispatch(true)
	case "proxy_dispatch":
		o.metrics.RecordDispatch(false)
	}
}

func opFamily(op string) string {
	switch {
	case strings.HasPrefix(op, "AMO"):
		return "amo"
	case strings.HasPrefix(op, "SIGNAL") || strings.HasPrefix(op, "PUT_SIGNAL"):
		return "signal"
	case op == "BARRIER" || op == "SYNC" || op == "TEAM_SYNC" ||
		op == "BCAST" || op == "ALLTOALL" || op == "COLLECT" || op == "FCOLLECT" ||
		op == "INSCAN" || op == "EXSCAN" || strings.HasSuffix(op, "_REDUCE"):
		return "collective"
	default:
		return "rma"
	}
}

var (
	_ Observer = NoOpObserver{}
	_ Observer = (*MetricsObserver)(nil)
)
