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

// MemoryCollector reads memory gauges from /proc/meminfo.
//
// The fourteen gauges of the capture format are picked out of the file by
// name; anything the kernel does not report (KReclaimable appeared in 4.20,
// MemAvailable in 3.14) stays zero rather than failing collection. Values
// are kB as reported.
type MemoryCollector struct {
	performance.BasePointCollector
	meminfoPath string
}

// Compile-time interface check
var _ performance.PointCollector = (*MemoryCollector)(nil)

func init() {
	performance.Register(performance.MetricTypeMemory,
		func(logger logr.Logger, config performance.CollectionConfig) (performance.PointCollector, error) {
			return NewMemoryCollector(logger, config)
		},
	)
}

func NewMemoryCollector(logger logr.Logger, config performance.CollectionConfig) (*MemoryCollector, error) {
	if err := config.Validate(performance.ValidateOptions{RequireHostProcPath: true}); err != nil {
		return nil, err
	}

	capabilities := performance.CollectorCapabilities{
		RequiresRoot:     false,
		MinKernelVersion: "2.6.0",
	}

	return &MemoryCollector{
		BasePointCollector: performance.NewBasePointCollector(
			performance.MetricTypeMemory,
			"Memory Gauge Collector",
			logger,
			config,
			capabilities,
		),
		meminfoPath: filepath.Join(config.HostProcPath, "meminfo"),
	}, nil
}

func (c *MemoryCollector) Collect(ctx context.Context) ([]performance.Snapshot, error) {
	file, err := os.Open(c.meminfoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", c.meminfoPath, err)
	}
	defer file.Close()

	values := make(map[string]uint64)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		// Lines look like "MemTotal:       65836544 kB"; the unit suffix
		// is dropped, keys keep their parentheses.
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			c.Logger().V(2).Info("Failed to parse meminfo value",
				"key", key, "value", fields[1], "error", err)
			continue
		}
		values[key] = v
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", c.meminfoPath, err)
	}

	snap := &performance.MemorySnapshot{
		MemTotal:     values["MemTotal"],
		MemFree:      values["MemFree"],
		MemAvailable: values["MemAvailable"],
		Buffers:      values["Buffers"],
		Cached:       values["Cached"],
		SwapTotal:    values["SwapTotal"],
		SwapFree:     values["SwapFree"],
		Dirty:        values["Dirty"],
		Writeback:    values["Writeback"],
		ActiveFile:   values["Active(file)"],
		InactiveFile: values["Inactive(file)"],
		Slab:         values["Slab"],
		KReclaimable: values["KReclaimable"],
		SReclaimable: values["SReclaimable"],
	}

	return []performance.Snapshot{snap}, nil
}
