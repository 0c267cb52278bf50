// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loberman/serverstats/pkg/performance"
)

func sampleAccumulator(ts int64) *performance.SeriesAccumulator {
	acc := performance.NewSeriesAccumulator()
	acc.Add(performance.IntervalMetric{
		Key: performance.DiskKey(8, 0, "sda"), Name: "sda",
		Domain: performance.MetricTypeDisk, Timestamp: ts, Interval: 5,
		Disk: &performance.DiskMetrics{
			DeltaReads: 100, DeltaWrites: 50,
			ReadsPerSec: 20, WritesPerSec: 10, IOPerSec: 30,
			ReadKBPerSec: 1024, WriteKBPerSec: 204.8, KBPerSec: 1228.8,
			AwaitReadMs: 4, AwaitWriteMs: 5,
		},
	})
	acc.Add(performance.IntervalMetric{
		Key: performance.CPUKey, Name: "cpu",
		Domain: performance.MetricTypeCPU, Timestamp: ts, Interval: 5,
		CPU: &performance.CPUMetrics{
			UserPct: 25, SystemPct: 10, IdlePct: 60, IOWaitPct: 5,
			ProcsRunning: 3, ProcsBlocked: 1,
		},
	})
	acc.Add(performance.IntervalMetric{
		Key: performance.MemoryKey, Name: "mem",
		Domain: performance.MetricTypeMemory, Timestamp: ts, Interval: 5,
		Memory: &performance.MemoryMetrics{
			UsedPct: 75, AvailPct: 50, CachedPct: 20, FreePct: 25,
			TotalKB: 1000000, FreeKB: 250000, AvailKB: 500000, CachedKB: 200000, UsedKB: 750000,
		},
	})
	acc.Add(performance.IntervalMetric{
		Key: performance.NetworkKey("eth0"), Name: "eth0",
		Domain: performance.MetricTypeNetwork, Timestamp: ts, Interval: 5,
		Network: &performance.NetworkMetrics{
			RxKBPerSec: 1, TxKBPerSec: 2,
			RxPacketsPerSec: 10, TxPacketsPerSec: 5,
			RxBytesPerSec: 1024, TxBytesPerSec: 2048,
		},
	})
	return acc
}

func TestWriteSeries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.WriteSeries(sampleAccumulator(1712039405)))

	for _, table := range []string{"disk_metrics", "cpu_metrics", "mem_metrics", "net_metrics"} {
		var n int
		require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}

	var rps, kbs float64
	var dt int64
	require.NoError(t, store.db.QueryRow(
		"SELECT rps, kb_sec, dt FROM disk_metrics WHERE device = ?", "sda").
		Scan(&rps, &kbs, &dt))
	assert.Equal(t, 20.0, rps)
	assert.Equal(t, 1228.8, kbs)
	assert.Equal(t, int64(5), dt)

	var running int64
	require.NoError(t, store.db.QueryRow(
		"SELECT procs_running FROM cpu_metrics WHERE entity = ?", "cpu").
		Scan(&running))
	assert.Equal(t, int64(3), running)
}

func TestWriteSeriesReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	// Same capture written twice lands on the same (entity, ts) keys.
	require.NoError(t, store.WriteSeries(sampleAccumulator(1712039405)))
	require.NoError(t, store.WriteSeries(sampleAccumulator(1712039405)))

	var n int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM disk_metrics").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOpenReusesExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.WriteSeries(sampleAccumulator(1712039405)))
	require.NoError(t, store.Close())

	// Second open migrates idempotently and sees the old rows.
	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	var n int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM cpu_metrics").Scan(&n))
	assert.Equal(t, 1, n)
}
