// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package analyze

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/loberman/serverstats/pkg/performance"
)

// Await samples are recorded in microseconds. One histogram per device per
// direction, 1µs to 60s at 3 significant figures, values above the ceiling
// clamped rather than dropped.
const (
	histMin    = 1
	histMax    = 60_000_000
	histSigFig = 3

	latencySummaryName = "latency_summary.txt"
)

type awaitStats struct {
	device string
	read   *hdrhistogram.Histogram
	write  *hdrhistogram.Histogram
}

func newAwaitStats(device string) *awaitStats {
	return &awaitStats{
		device: device,
		read:   hdrhistogram.New(histMin, histMax, histSigFig),
		write:  hdrhistogram.New(histMin, histMax, histSigFig),
	}
}

// record folds one interval into the histograms. An await is a meaningful
// sample only when the interval completed operations in that direction;
// idle intervals would otherwise bury the distribution under zeros.
func (s *awaitStats) record(m *performance.IntervalMetric) {
	d := m.Disk
	if d.DeltaReads > 0 {
		_ = s.read.RecordValue(clampMicros(d.AwaitReadMs))
	}
	if d.DeltaWrites > 0 {
		_ = s.write.RecordValue(clampMicros(d.AwaitWriteMs))
	}
}

func clampMicros(ms float64) int64 {
	us := int64(ms * 1000)
	if us < histMin {
		return histMin
	}
	if us > histMax {
		return histMax
	}
	return us
}

// writeLatencySummary reduces every disk series to await percentiles and
// writes one table covering all devices plus an all-devices rollup.
func writeLatencySummary(dir string, acc *performance.SeriesAccumulator) (err error) {
	f, err := os.Create(filepath.Join(dir, latencySummaryName))
	if err != nil {
		return fmt.Errorf("creating %s: %w", latencySummaryName, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	total := newAwaitStats("all")
	var perDevice []*awaitStats
	for _, series := range acc.ByDomain(performance.MetricTypeDisk) {
		stats := newAwaitStats(series.Name)
		for i := range series.Samples {
			stats.record(&series.Samples[i])
			total.record(&series.Samples[i])
		}
		if stats.read.TotalCount() > 0 || stats.write.TotalCount() > 0 {
			perDevice = append(perDevice, stats)
		}
	}

	fmt.Fprintf(f, "%s\nAwait latency distribution (ms)\n\n", latencySummaryName)
	fmt.Fprintf(f, "%-16s %-5s %10s %9s %9s %9s %9s %9s %9s\n",
		"Device", "Op", "Count", "Mean", "p50", "p90", "p99", "p99.9", "Max")
	fmt.Fprintln(f, strings.Repeat("-", 93))
	for _, stats := range perDevice {
		writeLatencyRows(f, stats)
	}
	writeLatencyRows(f, total)
	return nil
}

func writeLatencyRows(f *os.File, stats *awaitStats) {
	for _, dir := range []struct {
		op string
		h  *hdrhistogram.Histogram
	}{{"read", stats.read}, {"write", stats.write}} {
		if dir.h.TotalCount() == 0 {
			continue
		}
		fmt.Fprintf(f, "%-16s %-5s %10d %9.2f %9.2f %9.2f %9.2f %9.2f %9.2f\n",
			stats.device, dir.op, dir.h.TotalCount(),
			dir.h.Mean()/1000,
			millis(dir.h.ValueAtQuantile(50)),
			millis(dir.h.ValueAtQuantile(90)),
			millis(dir.h.ValueAtQuantile(99)),
			millis(dir.h.ValueAtQuantile(99.9)),
			millis(dir.h.Max()))
	}
}

func millis(us int64) float64 {
	return float64(us) / 1000
}
