// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/loberman/serverstats/pkg/performance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statLine builds a /proc/[pid]/stat line with the fields the collector
// reads in their kernel positions, padding the rest with plausible values.
func statLine(pid int, comm, state string, ppid int, utime, stime, threads, vsizeBytes, rssPages uint64) string {
	return fmt.Sprintf("%d (%s) %s %d 1 1 0 -1 4194304 100 0 0 0 %d %d 10 5 20 0 %d 0 12345 %d %d",
		pid, comm, state, ppid, utime, stime, threads, vsizeBytes, rssPages)
}

func writeProcEntry(t *testing.T, procRoot string, pid int, stat string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(procRoot, strconv.Itoa(pid))
	taskDir := filepath.Join(dir, "task", strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(taskDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(taskDir, "stat"), []byte(stat), 0644))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
}

func writeThreadEntry(t *testing.T, procRoot string, pid, tid int, stat string) {
	t.Helper()
	dir := filepath.Join(procRoot, strconv.Itoa(pid), "task", strconv.Itoa(tid))
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0644))
}

func TestProcessCollector(t *testing.T) {
	procRoot := t.TempDir()
	pageKB := uint64(os.Getpagesize()) / 1024

	writeProcEntry(t, procRoot, 1234,
		statLine(1234, "test-daemon", "S", 1, 500, 250, 3, 104857600, 2048),
		map[string]string{
			"io":      "rchar: 1000\nwchar: 2000\nsyscr: 10\nsyscw: 20\nread_bytes: 4096\nwrite_bytes: 8192\ncancelled_write_bytes: 0\n",
			"cmdline": "/usr/bin/test-daemon\x00--verbose\x00",
		})
	writeThreadEntry(t, procRoot, 1234, 1240,
		statLine(1240, "worker", "R", 1, 100, 50, 3, 104857600, 2048))

	// Kernel thread: no io file readable, empty cmdline.
	writeProcEntry(t, procRoot, 2,
		statLine(2, "kthreadd", "S", 0, 10, 20, 1, 0, 0),
		map[string]string{"cmdline": ""})

	// Non-process entries in /proc are skipped.
	require.NoError(t, os.MkdirAll(filepath.Join(procRoot, "acpi"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(procRoot, "uptime"), []byte("100 200\n"), 0644))

	collector, err := NewProcessCollector(testr.New(t), performance.CollectionConfig{
		HostProcPath: procRoot,
		Interval:     time.Second,
	})
	require.NoError(t, err)

	samples, err := collector.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 3)

	byTID := make(map[int32]performance.ProcessSample)
	for _, s := range samples {
		byTID[s.TID] = s
	}

	proc := byTID[1234]
	assert.Equal(t, int32(1234), proc.PID)
	assert.Equal(t, int32(1), proc.PPID)
	assert.Equal(t, "test-daemon", proc.Comm)
	assert.Equal(t, "S", proc.State)
	assert.Equal(t, uint64(500), proc.UTime)
	assert.Equal(t, uint64(250), proc.STime)
	require.NotNil(t, proc.NumThreads)
	assert.Equal(t, int64(3), *proc.NumThreads)
	require.NotNil(t, proc.VMSizeKb)
	assert.Equal(t, uint64(102400), *proc.VMSizeKb)
	require.NotNil(t, proc.VMRSSKb)
	assert.Equal(t, 2048*pageKB, *proc.VMRSSKb)
	assert.Equal(t, uint64(4096), proc.ReadBytes)
	assert.Equal(t, uint64(8192), proc.WriteBytes)
	assert.Equal(t, "/usr/bin/test-daemon --verbose", proc.Cmdline)

	// Thread row: own jiffies and state, parent's PID and I/O counters,
	// no per-process memory fields, no cmdline.
	thread := byTID[1240]
	assert.Equal(t, int32(1234), thread.PID)
	assert.Equal(t, "worker", thread.Comm)
	assert.Equal(t, "R", thread.State)
	assert.Equal(t, uint64(100), thread.UTime)
	assert.Equal(t, uint64(50), thread.STime)
	assert.Nil(t, thread.NumThreads)
	assert.Nil(t, thread.VMRSSKb)
	assert.Nil(t, thread.VMSizeKb)
	assert.Equal(t, uint64(4096), thread.ReadBytes)
	assert.Equal(t, uint64(8192), thread.WriteBytes)
	assert.Empty(t, thread.Cmdline)

	kthread := byTID[2]
	assert.Equal(t, int32(0), kthread.PPID)
	assert.Equal(t, "kthreadd", kthread.Comm)
	assert.Equal(t, uint64(0), kthread.ReadBytes)
	assert.Empty(t, kthread.Cmdline)
}

func TestParseStatComm(t *testing.T) {
	tmpDir := t.TempDir()
	collector, err := NewProcessCollector(testr.New(t), performance.CollectionConfig{
		HostProcPath: tmpDir,
		Interval:     time.Second,
	})
	require.NoError(t, err)

	tests := []struct {
		name      string
		stat      string
		wantComm  string
		wantState string
	}{
		{
			name:      "simple",
			stat:      statLine(1, "init", "S", 0, 1, 1, 1, 0, 0),
			wantComm:  "init",
			wantState: "S",
		},
		{
			name:      "comm with spaces",
			stat:      statLine(2, "Web Content", "R", 1, 1, 1, 1, 0, 0),
			wantComm:  "Web Content",
			wantState: "R",
		},
		{
			name:      "comm with nested parens",
			stat:      statLine(3, "(sd-pam)", "S", 1, 1, 1, 1, 0, 0),
			wantComm:  "(sd-pam)",
			wantState: "S",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, "stat-"+tt.name)
			require.NoError(t, os.WriteFile(path, []byte(tt.stat), 0644))

			sample, ok := collector.parseStat(path, 1)
			require.True(t, ok)
			assert.Equal(t, tt.wantComm, sample.Comm)
			assert.Equal(t, tt.wantState, sample.State)
		})
	}

	t.Run("truncated stat rejected", func(t *testing.T) {
		path := filepath.Join(tmpDir, "stat-short")
		require.NoError(t, os.WriteFile(path, []byte("99 (short) S 1 2 3"), 0644))

		_, ok := collector.parseStat(path, 99)
		assert.False(t, ok)
	})
}

func TestProcessCollectorFetchDeadline(t *testing.T) {
	collector, err := NewProcessCollector(testr.New(t), performance.CollectionConfig{
		HostProcPath:   t.TempDir(),
		Interval:       time.Second,
		ProcessTimeout: 20 * time.Millisecond,
		ProcessRetries: 1,
	})
	require.NoError(t, err)

	t.Run("fast fetch returns result", func(t *testing.T) {
		sample, ok := collector.fetchWithDeadline(1, func() (performance.ProcessSample, bool) {
			return performance.ProcessSample{PID: 1, Comm: "fast"}, true
		})
		require.True(t, ok)
		assert.Equal(t, "fast", sample.Comm)
	})

	t.Run("wedged fetch abandoned after retry", func(t *testing.T) {
		start := time.Now()
		_, ok := collector.fetchWithDeadline(2, func() (performance.ProcessSample, bool) {
			time.Sleep(300 * time.Millisecond)
			return performance.ProcessSample{}, true
		})
		assert.False(t, ok)
		// Two attempts at 20ms each, not the full fetch duration.
		assert.Less(t, time.Since(start), 200*time.Millisecond)
	})

	t.Run("slow first attempt succeeds on retry", func(t *testing.T) {
		var calls atomic.Int32
		sample, ok := collector.fetchWithDeadline(3, func() (performance.ProcessSample, bool) {
			if calls.Add(1) == 1 {
				time.Sleep(150 * time.Millisecond)
			}
			return performance.ProcessSample{Comm: "retried"}, true
		})
		require.True(t, ok)
		assert.Equal(t, "retried", sample.Comm)
	})
}

func TestProcessCollectorMissingProc(t *testing.T) {
	collector, err := NewProcessCollector(testr.New(t), performance.CollectionConfig{
		HostProcPath: "/non/existent/path",
		Interval:     time.Second,
	})
	require.NoError(t, err)

	_, err = collector.Collect(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read")
}

func TestProcessCollectorVanishedProcess(t *testing.T) {
	procRoot := t.TempDir()

	// Directory exists but its stat file is already gone, as happens when a
	// process exits mid-walk.
	require.NoError(t, os.MkdirAll(filepath.Join(procRoot, "4321"), 0755))
	writeProcEntry(t, procRoot, 100,
		statLine(100, "survivor", "S", 1, 1, 1, 1, 0, 0),
		map[string]string{"cmdline": "survivor\x00"})

	collector, err := NewProcessCollector(testr.New(t), performance.CollectionConfig{
		HostProcPath: procRoot,
		Interval:     time.Second,
	})
	require.NoError(t, err)

	samples, err := collector.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "survivor", samples[0].Comm)
}
