// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package playback

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loberman/serverstats/pkg/performance"
	"github.com/loberman/serverstats/pkg/performance/capture"
)

const baseEpoch = int64(1712039400)

func writeCapture(t *testing.T, records []performance.Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.dat")
	w, err := capture.OpenFile(path)
	require.NoError(t, err)
	for _, rec := range records {
		require.NoError(t, w.WriteRecord(rec))
	}
	require.NoError(t, w.Close())
	return path
}

func play(t *testing.T, path string, domain performance.MetricType, window capture.TimeWindow) string {
	t.Helper()
	var out bytes.Buffer
	p := New(logr.Discard(), &out, window)
	require.NoError(t, p.Play(path, domain))
	return out.String()
}

// dataRows strips the header and returns the whitespace-split data rows.
func dataRows(output string) [][]string {
	var rows [][]string
	for i, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if i == 0 || line == "" {
			continue
		}
		rows = append(rows, strings.Fields(line))
	}
	return rows
}

func diskRecord(ts int64, reads, readsM, sectR, readMs, writes, writesM, sectW, writeMs, ioMs, wIOMs, disc, discM, sectD, discMs uint64) performance.Record {
	return performance.Record{Timestamp: ts, Snapshot: &performance.DiskSnapshot{
		Major: 8, Minor: 0, Device: "sda",
		ReadsCompleted: reads, ReadsMerged: readsM, SectorsRead: sectR, ReadTimeMs: readMs,
		WritesCompleted: writes, WritesMerged: writesM, SectorsWritten: sectW, WriteTimeMs: writeMs,
		IOTimeMs: ioMs, WeightedIOTimeMs: wIOMs,
		Discards: disc, DiscardsMerged: discM, SectorsDiscarded: sectD, DiscardTimeMs: discMs,
	}}
}

func TestPlayDisk(t *testing.T) {
	path := writeCapture(t, []performance.Record{
		diskRecord(baseEpoch, 1000, 10, 2048, 500, 500, 5, 4096, 1000, 1000, 2000, 10, 2, 2048, 100),
		diskRecord(baseEpoch+5, 1100, 30, 12288, 900, 550, 30, 6144, 1250, 1500, 3500, 15, 5, 3072, 300),
	})

	out := play(t, path, performance.MetricTypeDisk, capture.TimeWindow{})
	assert.Contains(t, out, "Device")
	assert.Contains(t, out, "await_dis(ms)")

	rows := dataRows(out)
	require.Len(t, rows, 1, "two records make one interval")
	row := rows[0]
	require.Len(t, row, 22)

	assert.Equal(t, "sda", row[0])
	assert.Equal(t, "5", row[3])
	assert.Equal(t, "100", row[4], "delta reads")
	assert.Equal(t, "20", row[5], "delta reads merged")
	assert.Equal(t, "50", row[6], "delta writes")
	assert.Equal(t, "25", row[7], "delta writes merged")
	assert.Equal(t, "0.30", row[8], "avg queue depth = 1500 / (5 * 1000)")
	assert.Equal(t, "3.00", row[9], "qlen = 1500 / 500")
	assert.Equal(t, "20.00", row[10], "r/s")
	assert.Equal(t, "10.00", row[11], "w/s")
	assert.Equal(t, "1024.00", row[12], "rd_kB/s")
	assert.Equal(t, "204.80", row[13], "wr_kB/s")
	assert.Equal(t, "3.33", row[14], "svctim = 500 / 150")
	assert.Equal(t, "4.00", row[15], "await_rd = 400 / 100")
	assert.Equal(t, "5.00", row[16], "await_wr = 250 / 50")
	assert.Equal(t, "5", row[17], "delta discards")
	assert.Equal(t, "3", row[18], "delta discards merged")
	assert.Equal(t, "1024", row[19], "delta sectors discarded")
	assert.Equal(t, "102.40", row[20], "discard kB/s")
	assert.Equal(t, "40.00", row[21], "await_dis = 200 / 5")
}

func TestPlayDiskTimeWindow(t *testing.T) {
	// Three records, two intervals with distinct rates. The window admits
	// only the second interval; its rates must still be computed against
	// the filtered-out middle record.
	path := writeCapture(t, []performance.Record{
		diskRecord(baseEpoch, 1000, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0),
		diskRecord(baseEpoch+5, 1100, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0),
		diskRecord(baseEpoch+10, 1300, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0),
	})

	edge := time.Unix(baseEpoch+10, 0).Local().Format("15:04:05")
	window, err := capture.NewTimeWindow(edge, edge)
	require.NoError(t, err)

	out := play(t, path, performance.MetricTypeDisk, window)
	rows := dataRows(out)
	require.Len(t, rows, 1)
	assert.Equal(t, "40.00", rows[0][10], "interval rate pairs against the filtered-out record")
}

func TestPlayCPU(t *testing.T) {
	path := writeCapture(t, []performance.Record{
		{Timestamp: baseEpoch, Snapshot: &performance.CPUSnapshot{
			User: 1000, System: 500, Idle: 8000, IOWait: 100, ProcsRunning: 2,
		}},
		{Timestamp: baseEpoch + 5, Snapshot: &performance.CPUSnapshot{
			User: 1250, System: 600, Idle: 8600, IOWait: 150, ProcsRunning: 3, ProcsBlocked: 1,
		}},
	})

	out := play(t, path, performance.MetricTypeCPU, capture.TimeWindow{})
	rows := dataRows(out)
	require.Len(t, rows, 1)
	row := rows[0]
	require.Len(t, row, 11)

	assert.Equal(t, "5", row[2])
	assert.Equal(t, "25.00", row[3], "user share of 1000 jiffies")
	assert.Equal(t, "10.00", row[4], "system")
	assert.Equal(t, "60.00", row[5], "idle")
	assert.Equal(t, "5.00", row[6], "iowait")
	assert.Equal(t, "0.00", row[7], "nice")
	assert.Equal(t, "3", row[8], "procs_running gauge")
	assert.Equal(t, "1", row[9], "procs_blocked gauge")
	assert.Equal(t, "0.00", row[10], "guest")
}

func TestPlayCPUIdleMachine(t *testing.T) {
	// Identical consecutive snapshots still make a row, all zeros.
	snap := &performance.CPUSnapshot{User: 1000, System: 500, Idle: 8000}
	path := writeCapture(t, []performance.Record{
		{Timestamp: baseEpoch, Snapshot: snap},
		{Timestamp: baseEpoch + 5, Snapshot: snap},
	})

	out := play(t, path, performance.MetricTypeCPU, capture.TimeWindow{})
	rows := dataRows(out)
	require.Len(t, rows, 1)
	assert.Equal(t, "0.00", rows[0][3])
	assert.Equal(t, "0.00", rows[0][5])
}

func TestPlayMem(t *testing.T) {
	mem := func(ts int64) performance.Record {
		return performance.Record{Timestamp: ts, Snapshot: &performance.MemorySnapshot{
			MemTotal: 1000000, MemFree: 250000, MemAvailable: 500000, Cached: 200000,
		}}
	}
	path := writeCapture(t, []performance.Record{mem(baseEpoch), mem(baseEpoch + 5)})

	out := play(t, path, performance.MetricTypeMemory, capture.TimeWindow{})
	rows := dataRows(out)
	require.Len(t, rows, 1, "first memory record only seeds the store")
	row := rows[0]
	require.Len(t, row, 6)

	assert.Equal(t, "75.00", row[2], "%Used")
	assert.Equal(t, "50.00", row[3], "%Avail")
	assert.Equal(t, "20.00", row[4], "%Cached")
	assert.Equal(t, "25.00", row[5], "%Free")
}

func TestPlayNet(t *testing.T) {
	path := writeCapture(t, []performance.Record{
		{Timestamp: baseEpoch, Snapshot: &performance.NetworkSnapshot{Interface: "eth0"}},
		{Timestamp: baseEpoch + 5, Snapshot: &performance.NetworkSnapshot{
			Interface: "eth0",
			RxBytes:   5120, TxBytes: 10240, RxPackets: 50, TxPackets: 25,
			RxErrors: 5, RxDropped: 3, TxDropped: 2,
		}},
	})

	out := play(t, path, performance.MetricTypeNetwork, capture.TimeWindow{})
	rows := dataRows(out)
	require.Len(t, rows, 1)
	row := rows[0]
	require.Len(t, row, 10)

	assert.Equal(t, "eth0", row[0])
	assert.Equal(t, "1.00", row[3], "rx_kB/s")
	assert.Equal(t, "2.00", row[4], "tx_kB/s")
	assert.Equal(t, "10.00", row[5], "rx pkts/s")
	assert.Equal(t, "5.00", row[6], "tx pkts/s")
	assert.Equal(t, "1.00", row[7], "rx errs/s")
	assert.Equal(t, "0.00", row[8], "tx errs/s")
	assert.Equal(t, "1.00", row[9], "drops/s combines both directions")
}

func TestPlayNoData(t *testing.T) {
	// A CPU-only capture has no disk rows to show.
	path := writeCapture(t, []performance.Record{
		{Timestamp: baseEpoch, Snapshot: &performance.CPUSnapshot{User: 1}},
		{Timestamp: baseEpoch + 5, Snapshot: &performance.CPUSnapshot{User: 2}},
	})

	out := play(t, path, performance.MetricTypeDisk, capture.TimeWindow{})
	assert.Equal(t, "No DISK data found.\n", out)

	out = play(t, writeCapture(t, nil), performance.MetricTypeNetwork, capture.TimeWindow{})
	assert.Equal(t, "No NET data found.\n", out)
}

func TestTruncate(t *testing.T) {
	in := writeCapture(t, []performance.Record{
		diskRecord(baseEpoch, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0),
		diskRecord(baseEpoch+5, 2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0),
		diskRecord(baseEpoch+10, 3, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0),
	})

	// Append provenance and one corrupt line by hand.
	f, err := os.OpenFile(in, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("# capture_host: testhost\nDISK,garbage\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	mid := time.Unix(baseEpoch+5, 0).Local().Format("15:04:05")
	window, err := capture.NewTimeWindow(mid, mid)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "cut.dat")
	kept, scanned, err := Truncate(in, out, window)
	require.NoError(t, err)
	assert.Equal(t, 1, kept)
	assert.Equal(t, 4, scanned, "three records plus the corrupt line")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, capture.HeaderLine+"\n"), "header comment copied through")
	assert.Contains(t, text, "# capture_host: testhost\n")

	records, err := capture.ReadAll(out)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, baseEpoch+5, records[0].Timestamp)
}
