// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"
)

// MetricType identifies the domain of a counter stream
type MetricType string

const (
	MetricTypeDisk    MetricType = "disk"
	MetricTypeCPU     MetricType = "cpu"
	MetricTypeMemory  MetricType = "memory"
	MetricTypeNetwork MetricType = "network"
	MetricTypeProcess MetricType = "process"
)

// EntityKey identifies one independently tracked counter stream: a single
// block device, a single network interface, or the system-wide CPU or memory
// stream. Two snapshots with the same key are readings of the same physical
// entity at different times; keys are stable for the life of a capture.
type EntityKey string

const (
	// CPUKey and MemoryKey are the singleton keys for the system-wide
	// CPU and memory streams.
	CPUKey    EntityKey = "cpu"
	MemoryKey EntityKey = "mem"
)

// DiskKey builds the composite key for a block device. Major/minor are part
// of the identity so that a device name reused after hotplug with different
// numbers is tracked as a distinct entity.
func DiskKey(major, minor uint32, device string) EntityKey {
	return EntityKey(strconv.FormatUint(uint64(major), 10) + "-" +
		strconv.FormatUint(uint64(minor), 10) + "-" + device)
}

// NetworkKey builds the key for a network interface.
func NetworkKey(iface string) EntityKey {
	return EntityKey("net-" + iface)
}

// Snapshot is one domain's raw counter payload, read once per entity per
// sampling interval. Snapshots are immutable once produced; the next reading
// for the same key supersedes rather than mutates them.
type Snapshot interface {
	Key() EntityKey
	Domain() MetricType
}

// Record pairs a snapshot with its capture timestamp (seconds since epoch,
// integer-truncated, as persisted in the capture format).
type Record struct {
	Timestamp int64
	Snapshot  Snapshot
}

// Key returns the entity key of the wrapped snapshot.
func (r Record) Key() EntityKey {
	return r.Snapshot.Key()
}

// DiskSnapshot holds one reading of a block device's /proc/diskstats
// counters. The first eleven counters are present on every kernel since 2.6;
// the discard counters were added in 4.18 and are zero when the source lacks
// them (RHEL7 and older captures).
//
// Reference: https://www.kernel.org/doc/Documentation/iostats.txt
type DiskSnapshot struct {
	Major  uint32
	Minor  uint32
	Device string // sda, nvme0n1, dm-3, ...

	ReadsCompleted   uint64 // reads completed successfully
	ReadsMerged      uint64 // reads merged before queuing
	SectorsRead      uint64 // 512-byte sectors read
	ReadTimeMs       uint64 // time spent reading (ms)
	WritesCompleted  uint64 // writes completed successfully
	WritesMerged     uint64 // writes merged before queuing
	SectorsWritten   uint64 // 512-byte sectors written
	WriteTimeMs      uint64 // time spent writing (ms)
	IOsInProgress    uint64 // I/Os currently in flight (gauge)
	IOTimeMs         uint64 // time with I/O in flight (ms)
	WeightedIOTimeMs uint64 // weighted time with I/O in flight (ms)
	Discards         uint64 // discards completed successfully
	DiscardsMerged   uint64 // discards merged before queuing
	SectorsDiscarded uint64 // 512-byte sectors discarded
	DiscardTimeMs    uint64 // time spent discarding (ms)
}

func (s *DiskSnapshot) Key() EntityKey     { return DiskKey(s.Major, s.Minor, s.Device) }
func (s *DiskSnapshot) Domain() MetricType { return MetricTypeDisk }

// CPUSnapshot holds the aggregate "cpu" line of /proc/stat in USER_HZ units,
// plus the procs_running/procs_blocked gauges from the same file. Guest time
// is also accounted inside User per kernel semantics; it is carried
// separately so the engine can report it both ways.
//
// Reference: https://www.kernel.org/doc/html/latest/filesystems/proc.html#miscellaneous-kernel-statistics-in-proc-stat
type CPUSnapshot struct {
	User    uint64
	Nice    uint64
	System  uint64
	Idle    uint64
	IOWait  uint64
	IRQ     uint64
	SoftIRQ uint64
	Steal   uint64
	Guest   uint64

	ProcsRunning uint64 // gauge, not a counter
	ProcsBlocked uint64 // gauge, not a counter
}

func (s *CPUSnapshot) Key() EntityKey     { return CPUKey }
func (s *CPUSnapshot) Domain() MetricType { return MetricTypeCPU }

// timeCounters returns the time-accounting counters in capture-format order.
// ProcsRunning/ProcsBlocked are excluded: they are gauges and never
// participate in delta totals.
func (s *CPUSnapshot) timeCounters() [9]uint64 {
	return [9]uint64{s.User, s.Nice, s.System, s.Idle, s.IOWait, s.IRQ, s.SoftIRQ, s.Steal, s.Guest}
}

// MemorySnapshot holds the /proc/meminfo gauges persisted in the capture
// format, in kB as reported by the kernel. These are instantaneous values,
// not counters; no deltas are ever computed from them.
type MemorySnapshot struct {
	MemTotal     uint64
	MemFree      uint64
	MemAvailable uint64
	Buffers      uint64
	Cached       uint64
	SwapTotal    uint64
	SwapFree     uint64
	Dirty        uint64
	Writeback    uint64
	ActiveFile   uint64 // Active(file)
	InactiveFile uint64 // Inactive(file)
	Slab         uint64
	KReclaimable uint64
	SReclaimable uint64
}

func (s *MemorySnapshot) Key() EntityKey     { return MemoryKey }
func (s *MemorySnapshot) Domain() MetricType { return MetricTypeMemory }

// NetworkSnapshot holds one reading of a network interface's /proc/net/dev
// counters.
type NetworkSnapshot struct {
	Interface string

	RxBytes   uint64
	TxBytes   uint64
	RxPackets uint64
	TxPackets uint64
	RxErrors  uint64
	TxErrors  uint64
	RxDropped uint64
	TxDropped uint64
}

func (s *NetworkSnapshot) Key() EntityKey     { return NetworkKey(s.Interface) }
func (s *NetworkSnapshot) Domain() MetricType { return MetricTypeNetwork }

// ProcessSample is one reading of a process or one of its threads for the
// per-process telemetry stream. Thread rows (TID != PID) inherit the parent
// process's I/O counters and leave the memory fields nil; those are
// per-process quantities with no per-thread equivalent in procfs.
type ProcessSample struct {
	PID  int32
	PPID int32
	TID  int32
	Comm string
	// State is the single-letter scheduler state (R, S, D, Z, ...)
	State      string
	UTime      uint64 // user-mode jiffies
	STime      uint64 // kernel-mode jiffies
	NumThreads *int64
	VMRSSKb    *uint64
	VMSizeKb   *uint64
	ReadBytes  uint64
	WriteBytes uint64
	Cmdline    string
}

// DefaultDiskPrefixes filters /proc/diskstats to the device families worth
// capturing; partitions of these still pass the prefix test and are captured
// alongside their parents, matching iostat behavior.
var DefaultDiskPrefixes = []string{"sd", "nvme", "dm-", "loop", "emcpower", "vd", "rbd", "md"}

// CollectionConfig represents configuration for snapshot collection
type CollectionConfig struct {
	Interval          time.Duration
	EnabledCollectors map[MetricType]bool
	HostProcPath      string // Path to /proc (useful for containers and tests)
	DiskPrefixes      []string
	TopK              int           // ranking depth for summaries
	ProcessTimeout    time.Duration // per-process fetch deadline
	ProcessRetries    int           // retries after a fetch timeout
}

// DefaultCollectionConfig returns a default configuration
func DefaultCollectionConfig() CollectionConfig {
	return CollectionConfig{
		Interval: 5 * time.Second,
		EnabledCollectors: map[MetricType]bool{
			MetricTypeDisk:    true,
			MetricTypeCPU:     true,
			MetricTypeMemory:  true,
			MetricTypeNetwork: true,
		},
		HostProcPath:   "/proc",
		DiskPrefixes:   DefaultDiskPrefixes,
		TopK:           50,
		ProcessTimeout: 2 * time.Second,
		ProcessRetries: 1,
	}
}

// ApplyDefaults fills in zero values with defaults
func (c *CollectionConfig) ApplyDefaults() {
	defaults := DefaultCollectionConfig()

	if c.Interval == 0 {
		c.Interval = defaults.Interval
	}
	if c.EnabledCollectors == nil {
		c.EnabledCollectors = defaults.EnabledCollectors
	}
	if c.HostProcPath == "" {
		c.HostProcPath = defaults.HostProcPath
	}
	if c.DiskPrefixes == nil {
		c.DiskPrefixes = defaults.DiskPrefixes
	}
	if c.TopK == 0 {
		c.TopK = defaults.TopK
	}
	if c.ProcessTimeout == 0 {
		c.ProcessTimeout = defaults.ProcessTimeout
	}
	if c.ProcessRetries == 0 {
		c.ProcessRetries = defaults.ProcessRetries
	}
}

// ValidateOptions specifies validation requirements for CollectionConfig
type ValidateOptions struct {
	RequireHostProcPath bool
}

// Validate ensures required paths are present and that configured paths are
// absolute.
func (c *CollectionConfig) Validate(opt ValidateOptions) error {
	if opt.RequireHostProcPath && c.HostProcPath == "" {
		return fmt.Errorf("HostProcPath is required but not provided")
	}
	if c.HostProcPath != "" && !filepath.IsAbs(c.HostProcPath) {
		return fmt.Errorf("HostProcPath must be an absolute path, got: %q", c.HostProcPath)
	}
	if c.Interval < 0 {
		return fmt.Errorf("Interval must not be negative, got: %v", c.Interval)
	}
	if c.TopK < 0 {
		return fmt.Errorf("TopK must not be negative, got: %d", c.TopK)
	}
	return nil
}
