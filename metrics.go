package kernel

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for the kernel
// core: the syscall fast path and slow path, the server gateway, the
// scheduler, and idle-loop behavior (spec.md §6 "Metrics").
type Metrics struct {
	// Syscall dispatch counters.
	FastPathSyscalls atomic.Uint64 // Handled inline by syscallHandle
	QueuedSyscalls   atomic.Uint64 // Handled by the worker loop via syscallProcess
	SyscallErrors    atomic.Uint64 // Terminated the issuing thread

	// Server gateway counters.
	ServerRequests atomic.Uint64 // requestServer calls
	ServerReplies  atomic.Uint64 // serverIdle replies matched to a pending request

	// Scheduler counters.
	Preemptions atomic.Uint64 // Timeslice-exhaustion preemptions
	Unblocks    atomic.Uint64 // Blocked -> Queued transitions

	// Socket gauges.
	SocketsLive atomic.Int64 // Currently open sockets

	// Idle-loop counters.
	IdleIterations atomic.Uint64 // platformIdle invocations across all workers

	// Performance tracking.
	TotalLatencyNs atomic.Uint64 // Cumulative dispatch latency in nanoseconds
	OpCount        atomic.Uint64 // Total dispatches (for average latency calculation)

	// Latency histogram buckets (cumulative).
	// Each bucket[i] contains the count of dispatches with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Kernel lifecycle.
	StartTime atomic.Int64 // Boot timestamp (UnixNano)
	StopTime  atomic.Int64 // Shutdown timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordFastPathSyscall records an inline-handled syscall dispatch.
func (m *Metrics) RecordFastPathSyscall(latencyNs uint64, success bool) {
	m.FastPathSyscalls.Add(1)
	if !success {
		m.SyscallErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordQueuedSyscall records a worker-drained syscall dispatch.
func (m *Metrics) RecordQueuedSyscall(latencyNs uint64, success bool) {
	m.QueuedSyscalls.Add(1)
	if !success {
		m.SyscallErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordServerRequest records a requestServer call.
func (m *Metrics) RecordServerRequest() {
	m.ServerRequests.Add(1)
}

// RecordServerReply records a serverIdle reply matched back to its thread.
func (m *Metrics) RecordServerReply(latencyNs uint64) {
	m.ServerReplies.Add(1)
	m.recordLatency(latencyNs)
}

// RecordPreemption records a timeslice-exhaustion preemption.
func (m *Metrics) RecordPreemption() {
	m.Preemptions.Add(1)
}

// RecordUnblock records a Blocked -> Queued transition.
func (m *Metrics) RecordUnblock() {
	m.Unblocks.Add(1)
}

// RecordSocketOpen increments the live-socket gauge.
func (m *Metrics) RecordSocketOpen() {
	m.SocketsLive.Add(1)
}

// RecordSocketClose decrements the live-socket gauge.
func (m *Metrics) RecordSocketClose() {
	m.SocketsLive.Add(-1)
}

// RecordIdleIteration records a platformIdle invocation.
func (m *Metrics) RecordIdleIteration() {
	m.IdleIterations.Add(1)
}

// recordLatency records dispatch latency and updates the histogram.
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the kernel as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	FastPathSyscalls uint64
	QueuedSyscalls   uint64
	SyscallErrors    uint64

	ServerRequests uint64
	ServerReplies  uint64

	Preemptions uint64
	Unblocks    uint64

	SocketsLive int64

	IdleIterations uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds).
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps         uint64
	DispatchIOPS     float64
	SyscallErrorRate float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		FastPathSyscalls: m.FastPathSyscalls.Load(),
		QueuedSyscalls:   m.QueuedSyscalls.Load(),
		SyscallErrors:    m.SyscallErrors.Load(),
		ServerRequests:   m.ServerRequests.Load(),
		ServerReplies:    m.ServerReplies.Load(),
		Preemptions:      m.Preemptions.Load(),
		Unblocks:         m.Unblocks.Load(),
		SocketsLive:      m.SocketsLive.Load(),
		IdleIterations:   m.IdleIterations.Load(),
	}

	snap.TotalOps = snap.FastPathSyscalls + snap.QueuedSyscalls

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.DispatchIOPS = float64(snap.TotalOps) / uptimeSeconds
	}

	if snap.TotalOps > 0 {
		snap.SyscallErrorRate = float64(snap.SyscallErrors) / float64(snap.TotalOps) * 100.0
	}

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

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
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

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.FastPathSyscalls.Store(0)
	m.QueuedSyscalls.Store(0)
	m.SyscallErrors.Store(0)
	m.ServerRequests.Store(0)
	m.ServerReplies.Store(0)
	m.Preemptions.Store(0)
	m.Unblocks.Store(0)
	m.SocketsLive.Store(0)
	m.IdleIterations.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, decoupling internal/
// packages from the concrete Metrics type.
type Observer interface {
	ObserveFastPathSyscall(latencyNs uint64, success bool)
	ObserveQueuedSyscall(latencyNs uint64, success bool)
	ObserveServerRequest()
	ObserveServerReply(latencyNs uint64)
	ObservePreemption()
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveFastPathSyscall(uint64, bool) {}
func (NoOpObserver) ObserveQueuedSyscall(uint64, bool)   {}
func (NoOpObserver) ObserveServerRequest()               {}
func (NoOpObserver) ObserveServerReply(uint64)           {}
func (NoOpObserver) ObservePreemption()                  {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveFastPathSyscall(latencyNs uint64, success bool) {
	o.metrics.RecordFastPathSyscall(latencyNs, success)
}

func (o *MetricsObserver) ObserveQueuedSyscall(latencyNs uint64, success bool) {
	o.metrics.RecordQueuedSyscall(latencyNs, success)
}

func (o *MetricsObserver) ObserveServerRequest() {
	o.metrics.RecordServerRequest()
}

func (o *MetricsObserver) ObserveServerReply(latencyNs uint64) {
	o.metrics.RecordServerReply(latencyNs)
}

func (o *MetricsObserver) ObservePreemption() {
	o.metrics.RecordPreemption()
}

// Compile-time interface checks.
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
