// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package capture

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/loberman/serverstats/pkg/performance"
)

// CollectlStats summarizes one conversion run.
type CollectlStats struct {
	Lines  int // input lines read
	Epochs int // epoch blocks converted
}

// collectlProgressEvery is how often the progress callback fires, in input
// lines.
const collectlProgressEvery = 10000

// collectlDiskPrefixes filters converted disk lines the same way the
// original collectl captures were taken, so converted files rank the same
// devices as native ones.
var collectlDiskPrefixes = []string{"sd", "nvme", "dm-", "loop", "emcpower"}

// collectlMemFields maps meminfo keys to their snapshot fields. The key set
// matches the MEM record layout; other meminfo lines are ignored.
var collectlMemFields = map[string]func(*performance.MemorySnapshot) *uint64{
	"MemTotal":       func(m *performance.MemorySnapshot) *uint64 { return &m.MemTotal },
	"MemFree":        func(m *performance.MemorySnapshot) *uint64 { return &m.MemFree },
	"MemAvailable":   func(m *performance.MemorySnapshot) *uint64 { return &m.MemAvailable },
	"Buffers":        func(m *performance.MemorySnapshot) *uint64 { return &m.Buffers },
	"Cached":         func(m *performance.MemorySnapshot) *uint64 { return &m.Cached },
	"SwapTotal":      func(m *performance.MemorySnapshot) *uint64 { return &m.SwapTotal },
	"SwapFree":       func(m *performance.MemorySnapshot) *uint64 { return &m.SwapFree },
	"Dirty":          func(m *performance.MemorySnapshot) *uint64 { return &m.Dirty },
	"Writeback":      func(m *performance.MemorySnapshot) *uint64 { return &m.Writeback },
	"Active(file)":   func(m *performance.MemorySnapshot) *uint64 { return &m.ActiveFile },
	"Inactive(file)": func(m *performance.MemorySnapshot) *uint64 { return &m.InactiveFile },
	"Slab":           func(m *performance.MemorySnapshot) *uint64 { return &m.Slab },
	"KReclaimable":   func(m *performance.MemorySnapshot) *uint64 { return &m.KReclaimable },
	"SReclaimable":   func(m *performance.MemorySnapshot) *uint64 { return &m.SReclaimable },
}

// collectlEpoch accumulates one epoch block. Disk lines are written as they
// stream by; CPU, MEM and NET wait for the end of the block because their
// pieces (the cpu line, procs gauges, meminfo keys) arrive scattered.
type collectlEpoch struct {
	ts           int64
	cpu          *performance.CPUSnapshot
	procsRunning uint64
	procsBlocked uint64
	mem          *performance.MemorySnapshot
	nets         []*performance.NetworkSnapshot
}

// ConvertCollectl reads raw collectl text and writes equivalent capture
// records. Epoch blocks are delimited by ">>> <epoch> <<<" markers; content
// before the first marker is skipped. Malformed lines are dropped rather
// than failing the conversion. progress, when non-nil, fires every
// collectlProgressEvery input lines.
func ConvertCollectl(r io.Reader, w *Writer, progress func(lines int)) (CollectlStats, error) {
	var stats CollectlStats
	var cur *collectlEpoch

	flush := func() error {
		if cur == nil {
			return nil
		}
		if cur.cpu != nil {
			cur.cpu.ProcsRunning = cur.procsRunning
			cur.cpu.ProcsBlocked = cur.procsBlocked
			if err := w.WriteRecord(performance.Record{Timestamp: cur.ts, Snapshot: cur.cpu}); err != nil {
				return err
			}
		}
		if cur.mem != nil {
			if err := w.WriteRecord(performance.Record{Timestamp: cur.ts, Snapshot: cur.mem}); err != nil {
				return err
			}
		}
		for _, net := range cur.nets {
			if err := w.WriteRecord(performance.Record{Timestamp: cur.ts, Snapshot: net}); err != nil {
				return err
			}
		}
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		stats.Lines++
		if progress != nil && stats.Lines%collectlProgressEvery == 0 {
			progress(stats.Lines)
		}
		line := strings.TrimSpace(scanner.Text())

		if ts, ok := parseEpochMarker(line); ok {
			if err := flush(); err != nil {
				return stats, err
			}
			cur = &collectlEpoch{ts: ts}
			stats.Epochs++
			continue
		}
		if cur == nil {
			continue
		}

		switch {
		case strings.HasPrefix(line, "cpu") && !strings.HasPrefix(line, "cpu "):
			// per-cpu line, only the aggregate matters
		case strings.HasPrefix(line, "cpu "):
			if snap, ok := parseCollectlCPU(strings.Fields(line)); ok {
				cur.cpu = snap
			}
		case strings.HasPrefix(line, "procs_running"):
			cur.procsRunning = collectlField(line, 1)
		case strings.HasPrefix(line, "procs_blocked"):
			cur.procsBlocked = collectlField(line, 1)
		case strings.HasPrefix(line, "disk"):
			snap, ok := parseCollectlDisk(strings.Fields(line))
			if !ok {
				continue
			}
			if err := w.WriteRecord(performance.Record{Timestamp: cur.ts, Snapshot: snap}); err != nil {
				return stats, err
			}
		case strings.HasPrefix(line, "Net "):
			if snap, ok := parseCollectlNet(strings.Fields(line)); ok {
				cur.nets = append(cur.nets, snap)
			}
		case strings.Contains(line, ":"):
			collectMeminfo(cur, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("reading collectl stream: %w", err)
	}
	if err := flush(); err != nil {
		return stats, err
	}
	return stats, nil
}

// parseEpochMarker matches ">>> <epoch> <<<". The epoch may carry a
// fractional part, which is truncated to whole seconds like every other
// capture timestamp.
func parseEpochMarker(line string) (int64, bool) {
	rest, ok := strings.CutPrefix(line, ">>>")
	if !ok {
		return 0, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0, false
	}
	ts, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return int64(ts), true
}

// parseCollectlCPU parses the aggregate "cpu" line: tag then at least nine
// time counters in /proc/stat order.
func parseCollectlCPU(fields []string) (*performance.CPUSnapshot, bool) {
	if len(fields) < 10 {
		return nil, false
	}
	var vals [9]uint64
	for i := range vals {
		v, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return nil, false
		}
		vals[i] = v
	}
	return &performance.CPUSnapshot{
		User: vals[0], Nice: vals[1], System: vals[2], Idle: vals[3],
		IOWait: vals[4], IRQ: vals[5], SoftIRQ: vals[6], Steal: vals[7],
		Guest: vals[8],
	}, true
}

// parseCollectlDisk parses "disk <major> <minor> <name> <counters...>".
// RHEL7 collectl emits 15 fields (no discard accounting); newer collectl
// emits 18, with a 19th on kernels that report discard time. Both are
// accepted and missing discard counters read as zero.
func parseCollectlDisk(fields []string) (*performance.DiskSnapshot, bool) {
	if len(fields) != 15 && len(fields) < 18 {
		return nil, false
	}
	device := fields[3]
	wanted := false
	for _, prefix := range collectlDiskPrefixes {
		if strings.HasPrefix(device, prefix) {
			wanted = true
			break
		}
	}
	if !wanted {
		return nil, false
	}

	major, err1 := strconv.ParseUint(fields[1], 10, 32)
	minor, err2 := strconv.ParseUint(fields[2], 10, 32)
	if err1 != nil || err2 != nil {
		return nil, false
	}

	snap := &performance.DiskSnapshot{
		Major:  uint32(major),
		Minor:  uint32(minor),
		Device: device,
	}
	counters := []*uint64{
		&snap.ReadsCompleted, &snap.ReadsMerged, &snap.SectorsRead, &snap.ReadTimeMs,
		&snap.WritesCompleted, &snap.WritesMerged, &snap.SectorsWritten, &snap.WriteTimeMs,
		&snap.IOsInProgress, &snap.IOTimeMs, &snap.WeightedIOTimeMs,
		&snap.Discards, &snap.DiscardsMerged, &snap.SectorsDiscarded, &snap.DiscardTimeMs,
	}
	for i, dst := range counters {
		if 4+i >= len(fields) {
			break
		}
		v, err := strconv.ParseUint(fields[4+i], 10, 64)
		if err != nil {
			return nil, false
		}
		*dst = v
	}
	return snap, true
}

// parseCollectlNet parses a "Net <iface>: ..." line. Collectl interleaves
// the /proc/net/dev RX and TX column groups; the TX group starts at column
// ten.
func parseCollectlNet(fields []string) (*performance.NetworkSnapshot, bool) {
	if len(fields) < 14 {
		return nil, false
	}
	snap := &performance.NetworkSnapshot{
		Interface: strings.TrimSuffix(fields[1], ":"),
	}
	cols := []struct {
		dst *uint64
		idx int
	}{
		{&snap.RxBytes, 2}, {&snap.RxPackets, 3}, {&snap.RxErrors, 4}, {&snap.RxDropped, 5},
		{&snap.TxBytes, 10}, {&snap.TxPackets, 11}, {&snap.TxErrors, 12}, {&snap.TxDropped, 13},
	}
	for _, c := range cols {
		v, err := strconv.ParseUint(fields[c.idx], 10, 64)
		if err != nil {
			return nil, false
		}
		*c.dst = v
	}
	return snap, true
}

// collectMeminfo folds one "Key: value" line into the epoch's memory
// snapshot when the key is part of the MEM record layout.
func collectMeminfo(cur *collectlEpoch, line string) {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return
	}
	setter, ok := collectlMemFields[strings.TrimSuffix(parts[0], ":")]
	if !ok {
		return
	}
	v, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return
	}
	if cur.mem == nil {
		cur.mem = &performance.MemorySnapshot{}
	}
	*setter(cur.mem) = v
}

// collectlField returns the n-th whitespace field as an integer, zero when
// absent or unparsable.
func collectlField(line string, n int) uint64 {
	fields := strings.Fields(line)
	if n >= len(fields) {
		return 0
	}
	v, err := strconv.ParseUint(fields[n], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
