// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package multipath

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/loberman/serverstats/internal/analyze"
	"github.com/loberman/serverstats/pkg/performance"
)

// Report parses the topology dump, builds the capture's series, and writes
// the per-group usage report. Groups with no traffic anywhere are omitted;
// inside an active group every path is listed, idle ones at 0%.
func Report(logger logr.Logger, out io.Writer, topologyPath, capturePath string) error {
	groups, err := ParseTopologyFile(topologyPath)
	if err != nil {
		return err
	}
	acc, err := analyze.BuildSeries(logger, capturePath)
	if err != nil {
		return err
	}
	return WriteReport(out, groups, acc)
}

// WriteReport renders one block per active group: a column header, the group
// summary row, then one row per path with its share of the group totals.
func WriteReport(out io.Writer, groups []Group, acc *performance.SeriesAccumulator) error {
	names := diskNameIndex(acc)
	for _, g := range groups {
		usage, ok := performance.AggregateMultipath(bind(g, names), acc)
		if !ok {
			continue
		}

		devField, attrField := g.VendorModel, g.Size
		if i := strings.Index(g.VendorModel, "size="); i >= 0 {
			devField = strings.TrimSpace(g.VendorModel[:i])
			attrField = strings.TrimSpace(g.VendorModel[i:])
		}

		fmt.Fprintf(out, "%-8s %-9s %-24s %-52s %9s %10s\n",
			"MPATH", "DM", "DEV", "ATTRS", "IOPS", "KB/sec")
		fmt.Fprintln(out, strings.Repeat("-", 112))
		fmt.Fprintf(out, "%-8s %-9s %-24s %-52s %9.1f %10.1f\n",
			g.Name, g.DMName, devField, attrField, usage.TotalIOPS, usage.TotalKBPerSec)

		for i, path := range usage.Paths {
			fmt.Fprintf(out, "    %-10s IOPS:%8.1f KB/sec:%10.1f (IO%%:%5.1f KB%%:%5.1f)\n",
				g.Paths[i].Device, path.MeanIOPS, path.MeanKBPerSec, path.IOPSShare, path.KBShare)
		}
		fmt.Fprintln(out)
	}
	return nil
}

// bind resolves the group's path device names against the capture. Names the
// capture never saw get a key synthesized from the topology's major:minor,
// which matches nothing and so contributes zero.
func bind(g Group, names map[string]performance.EntityKey) performance.MultipathGroup {
	mg := performance.MultipathGroup{Device: g.Name}
	for _, path := range g.Paths {
		key, ok := names[path.Device]
		if !ok {
			key = topologyKey(path)
		}
		mg.Paths = append(mg.Paths, key)
	}
	return mg
}

func topologyKey(path Path) performance.EntityKey {
	majStr, minStr, ok := strings.Cut(path.MajorMinor, ":")
	if !ok {
		return performance.EntityKey(path.Device)
	}
	maj, err1 := strconv.ParseUint(majStr, 10, 32)
	min, err2 := strconv.ParseUint(minStr, 10, 32)
	if err1 != nil || err2 != nil {
		return performance.EntityKey(path.Device)
	}
	return performance.DiskKey(uint32(maj), uint32(min), path.Device)
}

// diskNameIndex maps captured device names to their entity keys, first seen
// wins.
func diskNameIndex(acc *performance.SeriesAccumulator) map[string]performance.EntityKey {
	names := make(map[string]performance.EntityKey)
	for _, series := range acc.ByDomain(performance.MetricTypeDisk) {
		if _, ok := names[series.Name]; !ok {
			names[series.Name] = series.Key
		}
	}
	return names
}
