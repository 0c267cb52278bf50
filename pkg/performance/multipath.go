// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance

// MultipathGroup is a logical storage device and the ordered disk entities
// backing it, resolved from an external topology description. Construction
// is the topology parser's job; the aggregator only joins the keys against
// captured series.
type MultipathGroup struct {
	Device string
	Paths  []EntityKey
}

// PathUsage is one path's whole-capture traffic and its share of the group.
type PathUsage struct {
	Key          EntityKey
	Name         string
	MeanIOPS     float64
	MeanKBPerSec float64
	IOPSShare    float64 // percent of group total
	KBShare      float64 // percent of group total
}

// MultipathUsage is the aggregated traffic of one group.
type MultipathUsage struct {
	Device        string
	TotalIOPS     float64
	TotalKBPerSec float64
	Paths         []PathUsage
}

var (
	diskIOPerSec = func(m *IntervalMetric) float64 { return m.Disk.IOPerSec }
	diskKBPerSec = func(m *IntervalMetric) float64 { return m.Disk.KBPerSec }
)

// AggregateMultipath rolls the group's per-path series up into device-level
// totals. Each path contributes a single scalar pair, its mean IOPS and mean
// KB/s across the whole capture; the group total is the sum of those means
// and each path's share is its percentage of the total. Paths absent from
// the capture contribute zero but stay in the output, so a report always
// shows the full topology of an active device.
//
// The boolean is false when no path saw any traffic for the whole capture;
// such groups carry no information and are filtered from reports.
func AggregateMultipath(group MultipathGroup, acc *SeriesAccumulator) (MultipathUsage, bool) {
	usage := MultipathUsage{Device: group.Device}

	for _, key := range group.Paths {
		path := PathUsage{Key: key, Name: string(key)}
		if s := acc.Get(key); s != nil {
			path.Name = s.Name
			path.MeanIOPS = s.Mean(diskIOPerSec)
			path.MeanKBPerSec = s.Mean(diskKBPerSec)
		}
		usage.TotalIOPS += path.MeanIOPS
		usage.TotalKBPerSec += path.MeanKBPerSec
		usage.Paths = append(usage.Paths, path)
	}

	if usage.TotalIOPS == 0 && usage.TotalKBPerSec == 0 {
		return usage, false
	}

	for i := range usage.Paths {
		usage.Paths[i].IOPSShare = share(usage.Paths[i].MeanIOPS, usage.TotalIOPS)
		usage.Paths[i].KBShare = share(usage.Paths[i].MeanKBPerSec, usage.TotalKBPerSec)
	}
	return usage, true
}

func share(part, total float64) float64 {
	if total == 0 {
		return 0
	}
	return part / total * 100
}
