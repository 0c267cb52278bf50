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

// CPUCollector reads the aggregate CPU time counters from /proc/stat.
//
// Only the system-wide "cpu " line is captured, in USER_HZ jiffies, together
// with the procs_running and procs_blocked gauges from the same file. Guest
// time (field 10) is captured when the kernel reports it; guest_nice is not,
// matching the capture format. Per-CPU lines are skipped.
//
// Reference: https://www.kernel.org/doc/html/latest/filesystems/proc.html#miscellaneous-kernel-statistics-in-proc-stat
type CPUCollector struct {
	performance.BasePointCollector
	statPath string
}

// Compile-time interface check
var _ performance.PointCollector = (*CPUCollector)(nil)

func init() {
	performance.Register(performance.MetricTypeCPU,
		func(logger logr.Logger, config performance.CollectionConfig) (performance.PointCollector, error) {
			return NewCPUCollector(logger, config)
		},
	)
}

func NewCPUCollector(logger logr.Logger, config performance.CollectionConfig) (*CPUCollector, error) {
	if err := config.Validate(performance.ValidateOptions{RequireHostProcPath: true}); err != nil {
		return nil, err
	}

	capabilities := performance.CollectorCapabilities{
		RequiresRoot:     false,
		MinKernelVersion: "2.6.0", // /proc/stat has been around forever
	}

	return &CPUCollector{
		BasePointCollector: performance.NewBasePointCollector(
			performance.MetricTypeCPU,
			"CPU Counter Collector",
			logger,
			config,
			capabilities,
		),
		statPath: filepath.Join(config.HostProcPath, "stat"),
	}, nil
}

func (c *CPUCollector) Collect(ctx context.Context) ([]performance.Snapshot, error) {
	file, err := os.Open(c.statPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", c.statPath, err)
	}
	defer file.Close()

	var snap *performance.CPUSnapshot
	var procsRunning, procsBlocked uint64

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "cpu "):
			snap = c.parseCPULine(line)
		case strings.HasPrefix(line, "procs_running"):
			procsRunning = parseGauge(line)
		case strings.HasPrefix(line, "procs_blocked"):
			procsBlocked = parseGauge(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", c.statPath, err)
	}

	if snap == nil {
		c.Logger().V(2).Info("No aggregate cpu line found", "path", c.statPath)
		return nil, nil
	}
	snap.ProcsRunning = procsRunning
	snap.ProcsBlocked = procsBlocked

	return []performance.Snapshot{snap}, nil
}

// parseCPULine parses the aggregate "cpu" line. The first eight counters
// (user through steal) are required; guest is optional on kernels older than
// 2.6.24.
func (c *CPUCollector) parseCPULine(line string) *performance.CPUSnapshot {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		c.Logger().V(2).Info("Short cpu line", "fields", len(fields))
		return nil
	}

	vals := make([]uint64, 0, 9)
	for _, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			c.Logger().V(2).Info("Failed to parse cpu counter", "value", f, "error", err)
			return nil
		}
		vals = append(vals, v)
		if len(vals) == 9 {
			break
		}
	}

	snap := &performance.CPUSnapshot{
		User:    vals[0],
		Nice:    vals[1],
		System:  vals[2],
		Idle:    vals[3],
		IOWait:  vals[4],
		IRQ:     vals[5],
		SoftIRQ: vals[6],
		Steal:   vals[7],
	}
	if len(vals) > 8 {
		snap.Guest = vals[8]
	}
	return snap
}

func parseGauge(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
