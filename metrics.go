package qnvme

import (
	"sync/atomic"
	"time"
)

// LatencyBucketsUs defines the latency histogram buckets in microseconds,
// matching the granularity IOWorker already reports in per-latency
// counters (spec §4.6).
var LatencyBucketsUs = []uint64{
	10,
	50,
	100,
	500,
	1_000,
	5_000,
	10_000,
	100_000,
}

const numLatencyBuckets = 8

// Metrics aggregates per-driver operation counts, error counts, and
// latency across every namespace/queue pair it is wired into.
type Metrics struct {
	ReadOps               atomic.Uint64
	WriteOps              atomic.Uint64
	DeallocateOps         atomic.Uint64
	WriteUncorrectableOps atomic.Uint64
	WriteZeroesOps        atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	ReadErrors      atomic.Uint64
	WriteErrors     atomic.Uint64
	IntegrityErrors atomic.Uint64
	StatusErrors    atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyUs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyBuckets holds cumulative counts: bucket[i] counts operations
	// with latency <= LatencyBucketsUs[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics returns a metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records one completed read, classifying the failure kind
// from err when non-nil (status vs integrity).
func (m *Metrics) RecordRead(bytes uint64, latencyUs uint32, err error) {
	m.ReadOps.Add(1)
	if err == nil {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
		m.classifyError(err)
	}
	m.recordLatency(latencyUs)
}

// RecordWrite records one completed write.
func (m *Metrics) RecordWrite(bytes uint64, latencyUs uint32, err error) {
	m.WriteOps.Add(1)
	if err == nil {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
		m.classifyError(err)
	}
	m.recordLatency(latencyUs)
}

// RecordDeallocate records a Dataset Management deallocate completion.
func (m *Metrics) RecordDeallocate(latencyUs uint32) {
	m.DeallocateOps.Add(1)
	m.recordLatency(latencyUs)
}

// RecordWriteUncorrectable records a Write Uncorrectable completion.
func (m *Metrics) RecordWriteUncorrectable(latencyUs uint32) {
	m.WriteUncorrectableOps.Add(1)
	m.recordLatency(latencyUs)
}

// RecordWriteZeroes records a Write Zeroes completion.
func (m *Metrics) RecordWriteZeroes(latencyUs uint32) {
	m.WriteZeroesOps.Add(1)
	m.recordLatency(latencyUs)
}

// RecordQueueDepth samples the live queue depth.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) classifyError(err error) {
	if IsCode(err, ErrCodeDataIntegrity) {
		m.IntegrityErrors.Add(1)
	} else if IsCode(err, ErrCodeNVMeStatus) {
		m.StatusErrors.Add(1)
	}
}

func (m *Metrics) recordLatency(latencyUs uint32) {
	m.TotalLatencyUs.Add(uint64(latencyUs))
	m.OpCount.Add(1)
	for i, bucket := range LatencyBucketsUs {
		if uint64(latencyUs) <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the driver as stopped, fixing the uptime used for rate
// calculations in Snapshot.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics for
// reporting.
type MetricsSnapshot struct {
	ReadOps               uint64
	WriteOps              uint64
	DeallocateOps         uint64
	WriteUncorrectableOps uint64
	WriteZeroesOps        uint64

	ReadBytes  uint64
	WriteBytes uint64

	ReadErrors      uint64
	WriteErrors     uint64
	IntegrityErrors uint64
	StatusErrors    uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyUs uint64
	UptimeNs     uint64

	LatencyP50Us  uint64
	LatencyP99Us  uint64
	LatencyP999Us uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64
}

// Snapshot computes a MetricsSnapshot from the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:               m.ReadOps.Load(),
		WriteOps:              m.WriteOps.Load(),
		DeallocateOps:         m.DeallocateOps.Load(),
		WriteUncorrectableOps: m.WriteUncorrectableOps.Load(),
		WriteZeroesOps:        m.WriteZeroesOps.Load(),
		ReadBytes:             m.ReadBytes.Load(),
		WriteBytes:            m.WriteBytes.Load(),
		ReadErrors:            m.ReadErrors.Load(),
		WriteErrors:           m.WriteErrors.Load(),
		IntegrityErrors:       m.IntegrityErrors.Load(),
		StatusErrors:          m.StatusErrors.Load(),
		MaxQueueDepth:         m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.DeallocateOps + snap.WriteUncorrectableOps + snap.WriteZeroesOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	if c := m.QueueDepthCount.Load(); c > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(c)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyUs = m.TotalLatencyUs.Load() / opCount
	}

	start := m.StartTime.Load()
	if stop := m.StopTime.Load(); stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	if snap.UptimeNs > 0 {
		seconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / seconds
		snap.WriteIOPS = float64(snap.WriteOps) / seconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / seconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / seconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Us = m.percentile(0.50)
		snap.LatencyP99Us = m.percentile(0.99)
		snap.LatencyP999Us = m.percentile(0.999)
	}

	return snap
}

// percentile estimates the latency at p (0.0-1.0) by linear
// interpolation between histogram buckets.
func (m *Metrics) percentile(p float64) uint64 {
	total := m.OpCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBucketsUs {
		count := m.LatencyBuckets[i].Load()
		if count >= target {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if count == prevCount {
				return bucket
			}
			frac := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(frac*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBucketsUs[numLatencyBuckets-1]
}

// Reset zeroes every counter and restarts the uptime clock.
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.DeallocateOps.Store(0)
	m.WriteUncorrectableOps.Store(0)
	m.WriteZeroesOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.IntegrityErrors.Store(0)
	m.StatusErrors.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyUs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}
