// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metricDef(t *testing.T, defs []MetricDef, name string) MetricDef {
	t.Helper()
	for _, def := range defs {
		if def.Name == name {
			return def
		}
	}
	t.Fatalf("no metric def named %q", name)
	return MetricDef{}
}

func TestMetricDefs(t *testing.T) {
	t.Run("disk defs cover both queue estimators", func(t *testing.T) {
		names := make(map[string]bool)
		for _, def := range DiskMetricDefs {
			names[def.Name] = true
		}
		assert.True(t, names["avg_queue_depth"])
		assert.True(t, names["qlen"])
		assert.Len(t, DiskMetricDefs, 16)
	})

	t.Run("accessors read the intended field", func(t *testing.T) {
		m := diskInterval("sda", 100, 12.5)
		m.Disk.QueueLen = 3.5

		assert.InDelta(t, 12.5, metricDef(t, DiskMetricDefs, "rps").Value(&m), 1e-9)
		assert.InDelta(t, 3.5, metricDef(t, DiskMetricDefs, "qlen").Value(&m), 1e-9)
	})

	t.Run("network defs", func(t *testing.T) {
		assert.Len(t, NetworkMetricDefs, 8)

		m := IntervalMetric{
			Domain:  MetricTypeNetwork,
			Network: &NetworkMetrics{RxBytesPerSec: 2048},
		}
		assert.InDelta(t, 2048.0, metricDef(t, NetworkMetricDefs, "rx_bytes").Value(&m), 1e-9)
	})
}

func TestSummarize(t *testing.T) {
	rps := metricDef(t, DiskMetricDefs, "rps")

	acc := NewSeriesAccumulator()
	acc.Add(diskInterval("sda", 100, 10))
	acc.Add(diskInterval("sda", 105, 30))
	acc.Add(diskInterval("sdb", 100, 5))
	acc.Add(IntervalMetric{
		Key: NetworkKey("eth0"), Name: "eth0", Domain: MetricTypeNetwork,
		Timestamp: 100, Interval: 5, Network: &NetworkMetrics{},
	})

	summaries := Summarize(acc, MetricTypeDisk, rps)
	require.Len(t, summaries, 2, "network series must not leak into disk summaries")

	assert.Equal(t, "sda", summaries[0].Name)
	assert.InDelta(t, 20.0, summaries[0].Avg, 1e-9)
	assert.InDelta(t, 30.0, summaries[0].Peak, 1e-9)
	assert.Equal(t, "sdb", summaries[1].Name)
	assert.InDelta(t, 5.0, summaries[1].Avg, 1e-9)
}

func TestRanking(t *testing.T) {
	summaries := []EntitySummary{
		{Name: "sda", Avg: 5, Peak: 100},
		{Name: "sdb", Avg: 50, Peak: 60},
		{Name: "sdc", Avg: 20, Peak: 20},
		{Name: "sdd", Avg: 20, Peak: 90},
	}

	t.Run("by average descending", func(t *testing.T) {
		ranked := RankByAvg(summaries, 50)
		require.Len(t, ranked, 4)
		assert.Equal(t, "sdb", ranked[0].Name)
		// Stable: sdc entered before sdd and ties at 20.
		assert.Equal(t, "sdc", ranked[1].Name)
		assert.Equal(t, "sdd", ranked[2].Name)
		assert.Equal(t, "sda", ranked[3].Name)
	})

	t.Run("by peak descending", func(t *testing.T) {
		ranked := RankByPeak(summaries, 50)
		assert.Equal(t, "sda", ranked[0].Name)
		assert.Equal(t, "sdd", ranked[1].Name)
		assert.Equal(t, "sdb", ranked[2].Name)
	})

	t.Run("truncates to k", func(t *testing.T) {
		ranked := RankByAvg(summaries, 2)
		require.Len(t, ranked, 2)
		assert.Equal(t, "sdb", ranked[0].Name)
		assert.Equal(t, "sdc", ranked[1].Name)
	})

	t.Run("does not mutate input", func(t *testing.T) {
		RankByAvg(summaries, 1)
		assert.Equal(t, "sda", summaries[0].Name)
	})
}
