// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance

import "sort"

// MetricDef names one derived quantity and how to read it out of an interval
// metric. Name is the stable identifier used in summary file names and
// export attributes; Label is the human heading.
type MetricDef struct {
	Name  string
	Label string
	Value func(*IntervalMetric) float64
}

// DiskMetricDefs enumerates every derived disk quantity in presentation
// order. Both queue estimators appear: AvgQDepth normalizes weighted I/O
// time by wall-clock time, QueueLen by device busy time. They disagree on
// bursty devices and consumers rely on each, so neither replaces the other.
var DiskMetricDefs = []MetricDef{
	{"rps", "Read IOPS/sec", func(m *IntervalMetric) float64 { return m.Disk.ReadsPerSec }},
	{"wps", "Write IOPS/sec", func(m *IntervalMetric) float64 { return m.Disk.WritesPerSec }},
	{"io_sec", "IO/sec (Total)", func(m *IntervalMetric) float64 { return m.Disk.IOPerSec }},
	{"rd_kbs", "Read KB/sec", func(m *IntervalMetric) float64 { return m.Disk.ReadKBPerSec }},
	{"wr_kbs", "Write KB/sec", func(m *IntervalMetric) float64 { return m.Disk.WriteKBPerSec }},
	{"kb_sec", "KB/sec (Total)", func(m *IntervalMetric) float64 { return m.Disk.KBPerSec }},
	{"avg_queue_depth", "AvgQDepth (interval-avg)", func(m *IntervalMetric) float64 { return m.Disk.AvgQueueDepth }},
	{"qlen", "QueueLen (collectl/iostat style)", func(m *IntervalMetric) float64 { return m.Disk.QueueLen }},
	{"svctim", "Service Time (ms)", func(m *IntervalMetric) float64 { return m.Disk.ServiceTimeMs }},
	{"await_rd", "Read Await (ms)", func(m *IntervalMetric) float64 { return m.Disk.AwaitReadMs }},
	{"await_wr", "Write Await (ms)", func(m *IntervalMetric) float64 { return m.Disk.AwaitWriteMs }},
	{"discards_s", "Discards/sec", func(m *IntervalMetric) float64 { return m.Disk.DiscardsPerSec }},
	{"discards_merged_s", "Discard Merges/sec", func(m *IntervalMetric) float64 { return m.Disk.DiscardMergesPerSec }},
	{"sectors_discarded_s", "Discard Sectors/sec", func(m *IntervalMetric) float64 { return m.Disk.DiscardSectorsPerSec }},
	{"await_discard_ms", "Discard Await (ms)", func(m *IntervalMetric) float64 { return m.Disk.AwaitDiscardMs }},
	{"discard_kbs", "Discard KB/sec", func(m *IntervalMetric) float64 { return m.Disk.DiscardKBPerSec }},
}

// NetworkMetricDefs enumerates per-interface rates for exporters and
// summaries.
var NetworkMetricDefs = []MetricDef{
	{"rx_bytes", "RX Bytes/sec", func(m *IntervalMetric) float64 { return m.Network.RxBytesPerSec }},
	{"tx_bytes", "TX Bytes/sec", func(m *IntervalMetric) float64 { return m.Network.TxBytesPerSec }},
	{"rx_pkts", "RX Packets/sec", func(m *IntervalMetric) float64 { return m.Network.RxPacketsPerSec }},
	{"tx_pkts", "TX Packets/sec", func(m *IntervalMetric) float64 { return m.Network.TxPacketsPerSec }},
	{"rx_errs", "RX Errors/sec", func(m *IntervalMetric) float64 { return m.Network.RxErrorsPerSec }},
	{"tx_errs", "TX Errors/sec", func(m *IntervalMetric) float64 { return m.Network.TxErrorsPerSec }},
	{"rx_drop", "RX Drops/sec", func(m *IntervalMetric) float64 { return m.Network.RxDropsPerSec }},
	{"tx_drop", "TX Drops/sec", func(m *IntervalMetric) float64 { return m.Network.TxDropsPerSec }},
}

// EntitySummary reduces one entity's series to two scalars for one metric.
type EntitySummary struct {
	Key  EntityKey
	Name string
	Avg  float64
	Peak float64
}

// Summarize reduces every series of one domain to (mean, peak) of the given
// metric, in the accumulator's first-seen order.
func Summarize(acc *SeriesAccumulator, domain MetricType, def MetricDef) []EntitySummary {
	var out []EntitySummary
	for _, s := range acc.ByDomain(domain) {
		out = append(out, EntitySummary{
			Key:  s.Key,
			Name: s.Name,
			Avg:  s.Mean(def.Value),
			Peak: s.Peak(def.Value),
		})
	}
	return out
}

// RankByAvg returns the summaries sorted descending by average, truncated to
// k. The sort is stable so equal entities keep their first-seen order.
func RankByAvg(summaries []EntitySummary, k int) []EntitySummary {
	ranked := make([]EntitySummary, len(summaries))
	copy(ranked, summaries)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Avg > ranked[j].Avg
	})
	return truncate(ranked, k)
}

// RankByPeak returns the summaries sorted descending by peak, truncated to
// k.
func RankByPeak(summaries []EntitySummary, k int) []EntitySummary {
	ranked := make([]EntitySummary, len(summaries))
	copy(ranked, summaries)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Peak > ranked[j].Peak
	})
	return truncate(ranked, k)
}

func truncate(s []EntitySummary, k int) []EntitySummary {
	if k >= 0 && len(s) > k {
		return s[:k]
	}
	return s
}
