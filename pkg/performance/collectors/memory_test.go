// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/loberman/serverstats/pkg/performance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryCollector(t *testing.T, meminfoContent string) *MemoryCollector {
	t.Helper()
	tmpDir := t.TempDir()
	err := os.WriteFile(filepath.Join(tmpDir, "meminfo"), []byte(meminfoContent), 0644)
	require.NoError(t, err)

	collector, err := NewMemoryCollector(logr.Discard(), performance.CollectionConfig{
		HostProcPath: tmpDir,
		Interval:     time.Second,
	})
	require.NoError(t, err)
	return collector
}

func TestMemoryCollector(t *testing.T) {
	meminfoContent := `MemTotal:       65836544 kB
MemFree:        12345678 kB
MemAvailable:   45678901 kB
Buffers:          234567 kB
Cached:         23456789 kB
SwapCached:            0 kB
Active:         18234567 kB
Inactive:       12345678 kB
Active(anon):    8123456 kB
Inactive(anon):   234567 kB
Active(file):   10111111 kB
Inactive(file): 12111111 kB
Unevictable:       12345 kB
SwapTotal:       8388604 kB
SwapFree:        8388604 kB
Dirty:              1234 kB
Writeback:            56 kB
AnonPages:       8234567 kB
Slab:            1234567 kB
SReclaimable:     987654 kB
SUnreclaim:       246913 kB
KReclaimable:    1000000 kB
HugePages_Total:       0
HugePages_Free:        0`

	collector := newMemoryCollector(t, meminfoContent)

	snapshots, err := collector.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshots, 1)

	mem, ok := snapshots[0].(*performance.MemorySnapshot)
	require.True(t, ok)

	assert.Equal(t, performance.MemoryKey, mem.Key())
	assert.Equal(t, performance.MetricTypeMemory, mem.Domain())

	assert.Equal(t, uint64(65836544), mem.MemTotal)
	assert.Equal(t, uint64(12345678), mem.MemFree)
	assert.Equal(t, uint64(45678901), mem.MemAvailable)
	assert.Equal(t, uint64(234567), mem.Buffers)
	assert.Equal(t, uint64(23456789), mem.Cached)
	assert.Equal(t, uint64(8388604), mem.SwapTotal)
	assert.Equal(t, uint64(8388604), mem.SwapFree)
	assert.Equal(t, uint64(1234), mem.Dirty)
	assert.Equal(t, uint64(56), mem.Writeback)
	// The parenthesized file-backed variants, not the bare Active/Inactive.
	assert.Equal(t, uint64(10111111), mem.ActiveFile)
	assert.Equal(t, uint64(12111111), mem.InactiveFile)
	assert.Equal(t, uint64(1234567), mem.Slab)
	assert.Equal(t, uint64(1000000), mem.KReclaimable)
	assert.Equal(t, uint64(987654), mem.SReclaimable)
}

func TestMemoryCollectorOldKernel(t *testing.T) {
	// Kernels before 3.14 report neither MemAvailable nor KReclaimable.
	meminfoContent := `MemTotal:        8000000 kB
MemFree:         2000000 kB
Buffers:          100000 kB
Cached:          1500000 kB
SwapTotal:       4000000 kB
SwapFree:        4000000 kB
Dirty:               100 kB
Writeback:             0 kB
Slab:             300000 kB
SReclaimable:     200000 kB`

	collector := newMemoryCollector(t, meminfoContent)

	snapshots, err := collector.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshots, 1)

	mem := snapshots[0].(*performance.MemorySnapshot)
	assert.Equal(t, uint64(8000000), mem.MemTotal)
	assert.Equal(t, uint64(0), mem.MemAvailable)
	assert.Equal(t, uint64(0), mem.KReclaimable)
	assert.Equal(t, uint64(0), mem.ActiveFile)
	assert.Equal(t, uint64(200000), mem.SReclaimable)
}

func TestMemoryCollectorMalformedValues(t *testing.T) {
	meminfoContent := `MemTotal:        8000000 kB
MemFree:         garbage kB
Cached:          1500000 kB`

	collector := newMemoryCollector(t, meminfoContent)

	snapshots, err := collector.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshots, 1)

	mem := snapshots[0].(*performance.MemorySnapshot)
	assert.Equal(t, uint64(8000000), mem.MemTotal)
	assert.Equal(t, uint64(0), mem.MemFree)
	assert.Equal(t, uint64(1500000), mem.Cached)
}

func TestMemoryCollectorWithMissingFile(t *testing.T) {
	collector, err := NewMemoryCollector(logr.Discard(), performance.CollectionConfig{
		HostProcPath: "/non/existent/path",
		Interval:     time.Second,
	})
	require.NoError(t, err)

	_, err = collector.Collect(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open")
}
