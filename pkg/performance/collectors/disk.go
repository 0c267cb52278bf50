// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/loberman/serverstats/pkg/performance"
)

// diskstatsMinFields is the field count of a /proc/diskstats line on kernels
// without discard accounting (3 identification + 11 counters).
const diskstatsMinFields = 14

// DiskCollector reads raw block device counters from /proc/diskstats.
//
// One snapshot per matching device is produced per call, carrying the eleven
// classic counters plus the four discard counters on kernels that report
// them (4.18+). Kernels newer than 5.5 append flush counters; those are
// ignored. The collector does no rate math; successive snapshots feed the
// delta engine, which owns every derived metric.
//
// Devices are selected by name prefix. Partitions of a matching device pass
// the same prefix test and are captured alongside the whole disk, which is
// deliberate: multipath path analysis and partition-level investigation both
// want them.
//
// Reference: https://www.kernel.org/doc/Documentation/iostats.txt
type DiskCollector struct {
	performance.BasePointCollector
	diskstatsPath string
	prefixes      []string
}

// Compile-time interface check
var _ performance.PointCollector = (*DiskCollector)(nil)

func init() {
	performance.Register(performance.MetricTypeDisk,
		func(logger logr.Logger, config performance.CollectionConfig) (performance.PointCollector, error) {
			return NewDiskCollector(logger, config)
		},
	)
}

func NewDiskCollector(logger logr.Logger, config performance.CollectionConfig) (*DiskCollector, error) {
	if err := config.Validate(performance.ValidateOptions{RequireHostProcPath: true}); err != nil {
		return nil, err
	}

	capabilities := performance.CollectorCapabilities{
		RequiresRoot:     false,
		MinKernelVersion: "2.6.0", // /proc/diskstats has been around since 2.6
	}

	prefixes := config.DiskPrefixes
	if len(prefixes) == 0 {
		prefixes = performance.DefaultDiskPrefixes
	}

	return &DiskCollector{
		BasePointCollector: performance.NewBasePointCollector(
			performance.MetricTypeDisk,
			"Disk Counter Collector",
			logger,
			config,
			capabilities,
		),
		diskstatsPath: filepath.Join(config.HostProcPath, "diskstats"),
		prefixes:      prefixes,
	}, nil
}

func (c *DiskCollector) Collect(ctx context.Context) ([]performance.Snapshot, error) {
	file, err := os.Open(c.diskstatsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", c.diskstatsPath, err)
	}
	defer file.Close()

	var snapshots []performance.Snapshot
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		snap, ok := c.parseLine(line)
		if !ok {
			continue
		}
		if !c.wantDevice(snap.Device) {
			continue
		}
		snapshots = append(snapshots, snap)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", c.diskstatsPath, err)
	}

	c.Logger().V(1).Info("Collected disk counters", "devices", len(snapshots))
	return snapshots, nil
}

// parseLine parses one /proc/diskstats line.
//
// Format: major minor device reads reads_merged sectors_read read_ms writes
// writes_merged sectors_written write_ms ios_in_progress io_ms weighted_io_ms
// [discards discards_merged sectors_discarded discard_ms] [flush...]
func (c *DiskCollector) parseLine(line string) (*performance.DiskSnapshot, bool) {
	fields := strings.Fields(line)
	if len(fields) < diskstatsMinFields {
		return nil, false
	}

	major, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		c.Logger().V(2).Info("Failed to parse disk major number", "line", line, "error", err)
		return nil, false
	}
	minor, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		c.Logger().V(2).Info("Failed to parse disk minor number", "line", line, "error", err)
		return nil, false
	}

	snap := &performance.DiskSnapshot{
		Major:  uint32(major),
		Minor:  uint32(minor),
		Device: fields[2],
	}

	counters := []*uint64{
		&snap.ReadsCompleted, &snap.ReadsMerged, &snap.SectorsRead, &snap.ReadTimeMs,
		&snap.WritesCompleted, &snap.WritesMerged, &snap.SectorsWritten, &snap.WriteTimeMs,
		&snap.IOsInProgress, &snap.IOTimeMs, &snap.WeightedIOTimeMs,
		&snap.Discards, &snap.DiscardsMerged, &snap.SectorsDiscarded, &snap.DiscardTimeMs,
	}
	for i, dst := range counters {
		if 3+i >= len(fields) {
			break // discard counters absent on pre-4.18 kernels
		}
		v, err := strconv.ParseUint(fields[3+i], 10, 64)
		if err != nil {
			c.Logger().V(2).Info("Failed to parse disk counter",
				"device", snap.Device, "field", 3+i, "error", err)
			return nil, false
		}
		*dst = v
	}

	return snap, true
}

func (c *DiskCollector) wantDevice(device string) bool {
	for _, prefix := range c.prefixes {
		if strings.HasPrefix(device, prefix) {
			return true
		}
	}
	return false
}
