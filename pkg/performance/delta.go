// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance

import (
	"sync"

	"github.com/go-logr/logr"
)

const sectorSizeBytes = 512

// CounterStore tracks the most recent record per entity so that consecutive
// snapshots of the same entity can be paired into intervals. The store
// always advances to the newest record, including records whose timestamp
// does not advance; whether a usable interval came out of the pairing is the
// engine's concern, not the store's. This keeps a capture with one bad
// timestamp from corrupting every interval after it.
type CounterStore struct {
	mu   sync.Mutex
	last map[EntityKey]Record
}

func NewCounterStore() *CounterStore {
	return &CounterStore{
		last: make(map[EntityKey]Record),
	}
}

// Update records the current reading for its entity and returns the reading
// it displaced. The boolean is false on first sight of an entity, when no
// interval can be formed yet.
func (s *CounterStore) Update(current Record) (Record, bool) {
	key := current.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	prior, ok := s.last[key]
	s.last[key] = current
	return prior, ok
}

// Len returns the number of entities currently tracked.
func (s *CounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.last)
}

// Reset drops all tracked state, forcing the next record of every entity to
// be treated as a first sight.
func (s *CounterStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = make(map[EntityKey]Record)
}

// DeltaEngine turns a stream of records into a stream of per-entity interval
// metrics. Feed every record through Observe in capture order; the engine
// pairs each record with its predecessor of the same key and computes the
// domain's derived quantities.
type DeltaEngine struct {
	logger logr.Logger
	store  *CounterStore
}

func NewDeltaEngine(logger logr.Logger) *DeltaEngine {
	return &DeltaEngine{
		logger: logger.WithName("delta-engine"),
		store:  NewCounterStore(),
	}
}

// Observe feeds one record through the store. It returns the computed
// interval metric and true when the record completes a usable interval;
// false on first sight of an entity or when the timestamp fails to advance.
// The store advances in every case.
func (e *DeltaEngine) Observe(current Record) (IntervalMetric, bool) {
	prior, ok := e.store.Update(current)
	if !ok {
		e.logger.V(2).Info("first sample for entity, no interval yet", "key", current.Key())
		return IntervalMetric{}, false
	}

	metric, ok := Compute(prior, current)
	if !ok {
		e.logger.V(2).Info("non-advancing timestamp, interval dropped",
			"key", current.Key(), "prior", prior.Timestamp, "current", current.Timestamp)
	}
	return metric, ok
}

// Reset clears the engine's pairing state.
func (e *DeltaEngine) Reset() {
	e.store.Reset()
}

// Compute derives the interval metric for a consecutive pair of records of
// the same entity. It returns false when the pair spans no forward time
// (dt <= 0); callers must have already advanced their store state, since a
// dropped interval never blocks the following one.
//
// Counter deltas saturate at zero: a counter that moved backwards (reboot,
// driver reload, 32-bit wrap) yields a zero delta for that field rather than
// a garbage spike. Every ratio with a zero denominator is 0, never Inf/NaN.
func Compute(prior, current Record) (IntervalMetric, bool) {
	dt := current.Timestamp - prior.Timestamp
	if dt <= 0 {
		return IntervalMetric{}, false
	}

	metric := IntervalMetric{
		Key:       current.Key(),
		Domain:    current.Snapshot.Domain(),
		Timestamp: current.Timestamp,
		Interval:  dt,
	}

	switch cur := current.Snapshot.(type) {
	case *DiskSnapshot:
		prev, ok := prior.Snapshot.(*DiskSnapshot)
		if !ok {
			return IntervalMetric{}, false
		}
		metric.Name = cur.Device
		metric.Disk = computeDisk(prev, cur, dt)
	case *CPUSnapshot:
		prev, ok := prior.Snapshot.(*CPUSnapshot)
		if !ok {
			return IntervalMetric{}, false
		}
		metric.Name = string(CPUKey)
		metric.CPU = computeCPU(prev, cur)
	case *MemorySnapshot:
		metric.Name = string(MemoryKey)
		metric.Memory = computeMemory(cur)
	case *NetworkSnapshot:
		prev, ok := prior.Snapshot.(*NetworkSnapshot)
		if !ok {
			return IntervalMetric{}, false
		}
		metric.Name = cur.Interface
		metric.Network = computeNetwork(prev, cur, dt)
	default:
		return IntervalMetric{}, false
	}

	return metric, true
}

// satDelta returns current-previous, clamping to zero when the counter moved
// backwards.
func satDelta(current, previous uint64) uint64 {
	if current < previous {
		return 0
	}
	return current - previous
}

// ratio divides two operation counts, returning 0 on an idle denominator.
func ratio(num, denom uint64) float64 {
	if denom == 0 {
		return 0
	}
	return float64(num) / float64(denom)
}

func sectorsToKB(sectors uint64) float64 {
	return float64(sectors) * sectorSizeBytes / 1024
}

func computeDisk(prev, cur *DiskSnapshot, dt int64) *DiskMetrics {
	seconds := float64(dt)

	dReads := satDelta(cur.ReadsCompleted, prev.ReadsCompleted)
	dReadsMerged := satDelta(cur.ReadsMerged, prev.ReadsMerged)
	dSectorsRead := satDelta(cur.SectorsRead, prev.SectorsRead)
	dReadTime := satDelta(cur.ReadTimeMs, prev.ReadTimeMs)
	dWrites := satDelta(cur.WritesCompleted, prev.WritesCompleted)
	dWritesMerged := satDelta(cur.WritesMerged, prev.WritesMerged)
	dSectorsWritten := satDelta(cur.SectorsWritten, prev.SectorsWritten)
	dWriteTime := satDelta(cur.WriteTimeMs, prev.WriteTimeMs)
	dIOTime := satDelta(cur.IOTimeMs, prev.IOTimeMs)
	dWeightedIOTime := satDelta(cur.WeightedIOTimeMs, prev.WeightedIOTimeMs)
	dDiscards := satDelta(cur.Discards, prev.Discards)
	dDiscardsMerged := satDelta(cur.DiscardsMerged, prev.DiscardsMerged)
	dSectorsDiscarded := satDelta(cur.SectorsDiscarded, prev.SectorsDiscarded)
	dDiscardTime := satDelta(cur.DiscardTimeMs, prev.DiscardTimeMs)

	return &DiskMetrics{
		DeltaReads:            dReads,
		DeltaReadsMerged:      dReadsMerged,
		DeltaWrites:           dWrites,
		DeltaWritesMerged:     dWritesMerged,
		DeltaDiscards:         dDiscards,
		DeltaDiscardsMerged:   dDiscardsMerged,
		DeltaSectorsDiscarded: dSectorsDiscarded,

		ReadsPerSec:  float64(dReads) / seconds,
		WritesPerSec: float64(dWrites) / seconds,
		IOPerSec:     float64(dReads+dWrites) / seconds,

		ReadKBPerSec:  sectorsToKB(dSectorsRead) / seconds,
		WriteKBPerSec: sectorsToKB(dSectorsWritten) / seconds,
		KBPerSec:      (sectorsToKB(dSectorsRead) + sectorsToKB(dSectorsWritten)) / seconds,

		AvgQueueDepth: float64(dWeightedIOTime) / (seconds * 1000),
		QueueLen:      ratio(dWeightedIOTime, dIOTime),

		ServiceTimeMs: ratio(dIOTime, dReads+dWrites),
		AwaitReadMs:   ratio(dReadTime, dReads),
		AwaitWriteMs:  ratio(dWriteTime, dWrites),

		DiscardsPerSec:       float64(dDiscards) / seconds,
		DiscardMergesPerSec:  float64(dDiscardsMerged) / seconds,
		DiscardSectorsPerSec: float64(dSectorsDiscarded) / seconds,
		AwaitDiscardMs:       ratio(dDiscardTime, dDiscards),
		DiscardKBPerSec:      sectorsToKB(dSectorsDiscarded) / seconds,
	}
}

// computeCPU derives each time counter's share of total accounted time over
// the interval. The divisor sums only the nine time counters; the
// procs_running/procs_blocked gauges never enter it. A fully idle
// single-jiffy interval where no counter advanced reports all zeros rather
// than suppressing the row.
func computeCPU(prev, cur *CPUSnapshot) *CPUMetrics {
	prevT := prev.timeCounters()
	curT := cur.timeCounters()

	var deltas [9]uint64
	var total uint64
	for i := range curT {
		deltas[i] = satDelta(curT[i], prevT[i])
		total += deltas[i]
	}

	pct := func(d uint64) float64 {
		if total == 0 {
			return 0
		}
		return float64(d) / float64(total) * 100
	}

	return &CPUMetrics{
		UserPct:   pct(deltas[0]),
		NicePct:   pct(deltas[1]),
		SystemPct: pct(deltas[2]),
		IdlePct:   pct(deltas[3]),
		IOWaitPct: pct(deltas[4]),
		GuestPct:  pct(deltas[8]),

		ProcsRunning: cur.ProcsRunning,
		ProcsBlocked: cur.ProcsBlocked,
	}
}

// computeMemory derives utilization ratios from the interval-ending gauges.
// Memory carries no counters, so the prior snapshot contributes nothing
// beyond establishing that time advanced. Used counts page cache as used
// (total minus free), matching what operators see in the capture playback.
func computeMemory(cur *MemorySnapshot) *MemoryMetrics {
	used := satDelta(cur.MemTotal, cur.MemFree)

	pctOfTotal := func(v uint64) float64 {
		if cur.MemTotal == 0 {
			return 0
		}
		return float64(v) / float64(cur.MemTotal) * 100
	}

	return &MemoryMetrics{
		UsedPct:   pctOfTotal(used),
		AvailPct:  pctOfTotal(cur.MemAvailable),
		CachedPct: pctOfTotal(cur.Cached),
		FreePct:   pctOfTotal(cur.MemFree),

		TotalKB:  cur.MemTotal,
		FreeKB:   cur.MemFree,
		AvailKB:  cur.MemAvailable,
		CachedKB: cur.Cached,
		UsedKB:   used,
	}
}

func computeNetwork(prev, cur *NetworkSnapshot, dt int64) *NetworkMetrics {
	seconds := float64(dt)

	dRxBytes := satDelta(cur.RxBytes, prev.RxBytes)
	dTxBytes := satDelta(cur.TxBytes, prev.TxBytes)
	dRxPackets := satDelta(cur.RxPackets, prev.RxPackets)
	dTxPackets := satDelta(cur.TxPackets, prev.TxPackets)
	dRxErrors := satDelta(cur.RxErrors, prev.RxErrors)
	dTxErrors := satDelta(cur.TxErrors, prev.TxErrors)
	dRxDropped := satDelta(cur.RxDropped, prev.RxDropped)
	dTxDropped := satDelta(cur.TxDropped, prev.TxDropped)

	return &NetworkMetrics{
		RxKBPerSec:      float64(dRxBytes) / 1024 / seconds,
		TxKBPerSec:      float64(dTxBytes) / 1024 / seconds,
		RxPacketsPerSec: float64(dRxPackets) / seconds,
		TxPacketsPerSec: float64(dTxPackets) / seconds,
		RxErrorsPerSec:  float64(dRxErrors) / seconds,
		TxErrorsPerSec:  float64(dTxErrors) / seconds,
		DropsPerSec:     float64(dRxDropped+dTxDropped) / seconds,

		RxBytesPerSec: float64(dRxBytes) / seconds,
		TxBytesPerSec: float64(dTxBytes) / seconds,
		RxDropsPerSec: float64(dRxDropped) / seconds,
		TxDropsPerSec: float64(dTxDropped) / seconds,
	}
}
