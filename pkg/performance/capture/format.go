// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package capture reads and writes the line-oriented counter capture format.
//
// A capture is plain text: one comment header line, then one CSV record per
// entity per sampling interval. Every record starts with a type tag and the
// epoch timestamp, followed by the domain's raw counters as decimal
// integers, so a capture round-trips bit-for-bit and stays greppable:
//
//	#TYPE,ts_epoch,<fields...>
//	DISK,1712039400,8,0,sda,184922,1337,9130222,60130,...
//	CPU,1712039400,182088,340,51200,8343030,...
//	MEM,1712039400,65836544,31504492,48211200,...
//	NET,1712039400,eth0,918223344,8223411,...
//
// Additional '#' lines may appear anywhere and are ignored on read; the
// gatherer uses them for capture provenance (host, kernel, capture id).
package capture

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/loberman/serverstats/pkg/performance"
)

// HeaderLine is the first line of every capture file.
const HeaderLine = "#TYPE,ts_epoch,<fields...>"

// Record type tags.
const (
	TagDisk    = "DISK"
	TagCPU     = "CPU"
	TagMemory  = "MEM"
	TagNetwork = "NET"
)

// FormatRecord renders one record as its capture line, without trailing
// newline.
func FormatRecord(rec performance.Record) (string, error) {
	switch s := rec.Snapshot.(type) {
	case *performance.DiskSnapshot:
		return fmt.Sprintf("%s,%d,%d,%d,%s,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d",
			TagDisk, rec.Timestamp, s.Major, s.Minor, s.Device,
			s.ReadsCompleted, s.ReadsMerged, s.SectorsRead, s.ReadTimeMs,
			s.WritesCompleted, s.WritesMerged, s.SectorsWritten, s.WriteTimeMs,
			s.IOsInProgress, s.IOTimeMs, s.WeightedIOTimeMs,
			s.Discards, s.DiscardsMerged, s.SectorsDiscarded, s.DiscardTimeMs), nil
	case *performance.CPUSnapshot:
		return fmt.Sprintf("%s,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d",
			TagCPU, rec.Timestamp,
			s.User, s.Nice, s.System, s.Idle, s.IOWait, s.IRQ, s.SoftIRQ, s.Steal, s.Guest,
			s.ProcsRunning, s.ProcsBlocked), nil
	case *performance.MemorySnapshot:
		return fmt.Sprintf("%s,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d,%d",
			TagMemory, rec.Timestamp,
			s.MemTotal, s.MemFree, s.MemAvailable, s.Buffers, s.Cached,
			s.SwapTotal, s.SwapFree, s.Dirty, s.Writeback,
			s.ActiveFile, s.InactiveFile, s.Slab, s.KReclaimable, s.SReclaimable), nil
	case *performance.NetworkSnapshot:
		return fmt.Sprintf("%s,%d,%s,%d,%d,%d,%d,%d,%d,%d,%d",
			TagNetwork, rec.Timestamp, s.Interface,
			s.RxBytes, s.TxBytes, s.RxPackets, s.TxPackets,
			s.RxErrors, s.TxErrors, s.RxDropped, s.TxDropped), nil
	default:
		return "", fmt.Errorf("unsupported snapshot type %T", rec.Snapshot)
	}
}

// ParseRecord parses one capture line. The boolean is false for comment or
// blank lines and for malformed records; per the capture contract a bad line
// never fails the whole read, so there is no error to return.
func ParseRecord(line string) (performance.Record, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" || strings.HasPrefix(line, "#") {
		return performance.Record{}, false
	}

	fields := strings.Split(line, ",")
	if len(fields) < 2 {
		return performance.Record{}, false
	}

	ts, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return performance.Record{}, false
	}

	var snap performance.Snapshot
	var ok bool
	switch fields[0] {
	case TagDisk:
		snap, ok = parseDisk(fields[2:])
	case TagCPU:
		snap, ok = parseCPU(fields[2:])
	case TagMemory:
		snap, ok = parseMemory(fields[2:])
	case TagNetwork:
		snap, ok = parseNetwork(fields[2:])
	default:
		return performance.Record{}, false
	}
	if !ok {
		return performance.Record{}, false
	}
	return performance.Record{Timestamp: ts, Snapshot: snap}, true
}

// parseUints parses a run of decimal counters, filling dst left to right.
// Fields beyond len(src) stay zero, which is how captures from kernels
// without discard accounting read back.
func parseUints(src []string, dst []*uint64) bool {
	for i, p := range dst {
		if i >= len(src) {
			return true
		}
		v, err := strconv.ParseUint(src[i], 10, 64)
		if err != nil {
			return false
		}
		*p = v
	}
	return true
}

// parseDisk accepts major, minor, name plus 11 to 15 counters. The four
// discard counters are optional; kernels before 4.18 never produced them.
func parseDisk(fields []string) (*performance.DiskSnapshot, bool) {
	if len(fields) < 14 {
		return nil, false
	}

	major, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return nil, false
	}
	minor, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return nil, false
	}
	name := fields[2]
	if name == "" {
		return nil, false
	}

	s := &performance.DiskSnapshot{
		Major:  uint32(major),
		Minor:  uint32(minor),
		Device: name,
	}
	ok := parseUints(fields[3:], []*uint64{
		&s.ReadsCompleted, &s.ReadsMerged, &s.SectorsRead, &s.ReadTimeMs,
		&s.WritesCompleted, &s.WritesMerged, &s.SectorsWritten, &s.WriteTimeMs,
		&s.IOsInProgress, &s.IOTimeMs, &s.WeightedIOTimeMs,
		&s.Discards, &s.DiscardsMerged, &s.SectorsDiscarded, &s.DiscardTimeMs,
	})
	if !ok {
		return nil, false
	}
	return s, true
}

// parseCPU accepts 8 or 9 jiffy counters (guest optional) followed by the
// procs_running and procs_blocked gauges.
func parseCPU(fields []string) (*performance.CPUSnapshot, bool) {
	if len(fields) != 10 && len(fields) != 11 {
		return nil, false
	}

	vals := make([]uint64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, false
		}
		vals[i] = v
	}

	s := &performance.CPUSnapshot{
		User:    vals[0],
		Nice:    vals[1],
		System:  vals[2],
		Idle:    vals[3],
		IOWait:  vals[4],
		IRQ:     vals[5],
		SoftIRQ: vals[6],
		Steal:   vals[7],
	}
	if len(fields) == 11 {
		s.Guest = vals[8]
	}
	s.ProcsRunning = vals[len(vals)-2]
	s.ProcsBlocked = vals[len(vals)-1]
	return s, true
}

func parseMemory(fields []string) (*performance.MemorySnapshot, bool) {
	if len(fields) < 14 {
		return nil, false
	}

	s := &performance.MemorySnapshot{}
	ok := parseUints(fields[:14], []*uint64{
		&s.MemTotal, &s.MemFree, &s.MemAvailable, &s.Buffers, &s.Cached,
		&s.SwapTotal, &s.SwapFree, &s.Dirty, &s.Writeback,
		&s.ActiveFile, &s.InactiveFile, &s.Slab, &s.KReclaimable, &s.SReclaimable,
	})
	if !ok {
		return nil, false
	}
	return s, true
}

func parseNetwork(fields []string) (*performance.NetworkSnapshot, bool) {
	if len(fields) < 9 || fields[0] == "" {
		return nil, false
	}

	s := &performance.NetworkSnapshot{Interface: fields[0]}
	ok := parseUints(fields[1:9], []*uint64{
		&s.RxBytes, &s.TxBytes, &s.RxPackets, &s.TxPackets,
		&s.RxErrors, &s.TxErrors, &s.RxDropped, &s.TxDropped,
	})
	if !ok {
		return nil, false
	}
	return s, true
}
