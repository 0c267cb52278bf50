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

// NetworkCollector reads per-interface counters from /proc/net/dev.
//
// /proc/net/dev format:
//
//	Inter-|   Receive                                                |  Transmit
//	 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
//	    lo: 1234567   12345    0    0    0     0          0         0 1234567   12345    0    0    0     0       0          0
//	  eth0: 9876543   98765    0    0    0     0          0         0 9876543   98765    0    0    0     0       0          0
//
// The first two lines are headers. Only the eight counters of the capture
// format are kept: rx/tx bytes, packets, errors and drops. Every interface
// is captured, loopback included; idle interfaces cost one short line per
// interval and their presence confirms the capture saw them.
//
// Reference: https://www.kernel.org/doc/html/latest/networking/statistics.html
type NetworkCollector struct {
	performance.BasePointCollector
	procNetDevPath string
}

// Compile-time interface check
var _ performance.PointCollector = (*NetworkCollector)(nil)

func init() {
	performance.Register(performance.MetricTypeNetwork,
		func(logger logr.Logger, config performance.CollectionConfig) (performance.PointCollector, error) {
			return NewNetworkCollector(logger, config)
		},
	)
}

func NewNetworkCollector(logger logr.Logger, config performance.CollectionConfig) (*NetworkCollector, error) {
	if err := config.Validate(performance.ValidateOptions{RequireHostProcPath: true}); err != nil {
		return nil, err
	}

	capabilities := performance.CollectorCapabilities{
		RequiresRoot:     false,
		MinKernelVersion: "2.6.0", // /proc/net/dev has been around forever
	}

	return &NetworkCollector{
		BasePointCollector: performance.NewBasePointCollector(
			performance.MetricTypeNetwork,
			"Network Counter Collector",
			logger,
			config,
			capabilities,
		),
		procNetDevPath: filepath.Join(config.HostProcPath, "net", "dev"),
	}, nil
}

func (c *NetworkCollector) Collect(ctx context.Context) ([]performance.Snapshot, error) {
	file, err := os.Open(c.procNetDevPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", c.procNetDevPath, err)
	}
	defer file.Close()

	var snapshots []performance.Snapshot
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		// Skip the two header lines
		if lineNum <= 2 {
			continue
		}

		// Split on ':' rather than whitespace; busy counters can butt up
		// against the interface name ("eth0:123456...").
		parts := strings.Split(line, ":")
		if len(parts) != 2 {
			continue
		}

		ifaceName := strings.TrimSpace(parts[0])
		fields := strings.Fields(parts[1])
		if ifaceName == "" || len(fields) < 12 {
			c.Logger().V(2).Info("Short net device line", "interface", ifaceName, "fields", len(fields))
			continue
		}

		snap := &performance.NetworkSnapshot{Interface: ifaceName}

		// Receive: bytes, packets, errs, drop are columns 1-4.
		ok := parseCounters(fields, map[int]*uint64{
			0: &snap.RxBytes, 1: &snap.RxPackets, 2: &snap.RxErrors, 3: &snap.RxDropped,
			8: &snap.TxBytes, 9: &snap.TxPackets, 10: &snap.TxErrors, 11: &snap.TxDropped,
		})
		if !ok {
			c.Logger().V(2).Info("Failed to parse net device counters", "interface", ifaceName)
			continue
		}

		snapshots = append(snapshots, snap)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", c.procNetDevPath, err)
	}

	c.Logger().V(1).Info("Collected network counters", "interfaces", len(snapshots))
	return snapshots, nil
}

func parseCounters(fields []string, dst map[int]*uint64) bool {
	for col, p := range dst {
		v, err := strconv.ParseUint(fields[col], 10, 64)
		if err != nil {
			return false
		}
		*p = v
	}
	return true
}
