// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance

// IntervalMetric is one computed interval for a single entity: the derived
// quantities between two consecutive snapshots of the same key. Exactly one
// of the payload pointers is non-nil, matching Domain.
type IntervalMetric struct {
	Key       EntityKey
	Name      string // display name: device, interface, or singleton stream
	Domain    MetricType
	Timestamp int64 // interval end, seconds since epoch
	Interval  int64 // dt in seconds, always > 0

	Disk    *DiskMetrics
	CPU     *CPUMetrics
	Memory  *MemoryMetrics
	Network *NetworkMetrics
}

// DiskMetrics holds the per-interval quantities derived from a pair of
// DiskSnapshots. Sector counts convert at 512 bytes per sector. All rates
// are per second of wall-clock interval; the await and service times are in
// milliseconds per operation.
type DiskMetrics struct {
	// Raw counter deltas over the interval.
	DeltaReads            uint64
	DeltaReadsMerged      uint64
	DeltaWrites           uint64
	DeltaWritesMerged     uint64
	DeltaDiscards         uint64
	DeltaDiscardsMerged   uint64
	DeltaSectorsDiscarded uint64

	ReadsPerSec  float64 // rps
	WritesPerSec float64 // wps
	IOPerSec     float64 // io_sec, reads + writes
	ReadKBPerSec float64 // rd_kbs

	WriteKBPerSec float64 // wr_kbs
	KBPerSec      float64 // kb_sec, read + write

	// AvgQueueDepth is the interval-average number of in-flight requests,
	// weighted I/O time normalized by wall-clock time. QueueLen is the
	// collectl/iostat flavor of the same idea, weighted I/O time normalized
	// by busy time; it reads higher on bursty devices.
	AvgQueueDepth float64 // avg_queue_depth
	QueueLen      float64 // qlen

	ServiceTimeMs float64 // svctim, busy ms per completed I/O
	AwaitReadMs   float64 // await_rd
	AwaitWriteMs  float64 // await_wr

	DiscardsPerSec       float64 // discards_s
	DiscardMergesPerSec  float64 // discards_merged_s
	DiscardSectorsPerSec float64 // sectors_discarded_s
	AwaitDiscardMs       float64 // await_discard_ms
	DiscardKBPerSec      float64 // discard_kbs
}

// CPUMetrics holds per-interval CPU utilization percentages. Each percentage
// is that field's share of the total time accounted across all nine time
// counters over the interval; guest time is also inside User per kernel
// accounting, so the fields intentionally sum to slightly over 100 on
// virtualized hosts. ProcsRunning/ProcsBlocked are the gauges from the
// interval-ending snapshot, passed through unchanged.
type CPUMetrics struct {
	UserPct   float64
	NicePct   float64
	SystemPct float64
	IdlePct   float64
	IOWaitPct float64
	GuestPct  float64

	ProcsRunning uint64
	ProcsBlocked uint64
}

// UserCombinedPct folds nice into user, the conventional presentation for
// summaries.
func (m *CPUMetrics) UserCombinedPct() float64 {
	return m.UserPct + m.NicePct
}

// MemoryMetrics holds instantaneous memory utilization ratios, each a
// percentage of MemTotal from the interval-ending snapshot. The raw gauges
// the ratios came from are carried for renderers that print absolute sizes.
type MemoryMetrics struct {
	UsedPct   float64 // (MemTotal - MemFree) / MemTotal; page cache counts as used
	AvailPct  float64 // MemAvailable / MemTotal
	CachedPct float64 // Cached / MemTotal
	FreePct   float64 // MemFree / MemTotal

	TotalKB  uint64
	FreeKB   uint64
	AvailKB  uint64
	CachedKB uint64
	UsedKB   uint64
}

// NetworkMetrics holds per-interval rates for one interface. Byte rates are
// in kB/s; packet, error and drop rates are events per second. Drops combine
// the RX and TX directions.
type NetworkMetrics struct {
	RxKBPerSec      float64
	TxKBPerSec      float64
	RxPacketsPerSec float64
	TxPacketsPerSec float64
	RxErrorsPerSec  float64
	TxErrorsPerSec  float64
	DropsPerSec     float64

	// Per-direction byte rates kept in raw bytes for exporters.
	RxBytesPerSec float64
	TxBytesPerSec float64
	RxDropsPerSec float64
	TxDropsPerSec float64
}
