// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package playback renders capture files as per-interval tables, one row per
// interval metric, and truncates captures to a wall-clock window. It is a
// pure consumer of the capture codec and the delta engine: every rate in a
// playback table is the engine's, never recomputed here.
package playback

import (
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"

	"github.com/loberman/serverstats/pkg/performance"
	"github.com/loberman/serverstats/pkg/performance/capture"
)

// domainLabels name domains in the empty-capture notice.
var domainLabels = map[performance.MetricType]string{
	performance.MetricTypeDisk:    "DISK",
	performance.MetricTypeCPU:     "CPU",
	performance.MetricTypeMemory:  "MEM",
	performance.MetricTypeNetwork: "NET",
}

// Player streams one domain of a capture through the delta engine and prints
// a table row per interval metric. A time window restricts which rows are
// printed; the engine still sees every record, so a row just inside the
// window is computed against its true predecessor just outside it.
type Player struct {
	logger logr.Logger
	out    io.Writer
	window capture.TimeWindow
}

func New(logger logr.Logger, out io.Writer, window capture.TimeWindow) *Player {
	return &Player{
		logger: logger.WithName("playback"),
		out:    out,
		window: window,
	}
}

// Play renders the table for one domain from the capture at path.
func (p *Player) Play(path string, domain performance.MetricType) error {
	r, err := capture.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	return p.play(r, domain)
}

func (p *Player) play(r *capture.Reader, domain performance.MetricType) error {
	engine := performance.NewDeltaEngine(p.logger)
	rows := 0
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if rec.Snapshot.Domain() != domain {
			continue
		}
		metric, ok := engine.Observe(rec)
		if !ok || !p.window.Contains(metric.Timestamp) {
			continue
		}
		if rows == 0 {
			p.printHeader(domain)
		}
		p.printRow(&metric)
		rows++
	}
	if skipped := r.Skipped(); skipped > 0 {
		p.logger.V(1).Info("Skipped malformed capture lines", "count", skipped)
	}
	if rows == 0 {
		fmt.Fprintf(p.out, "No %s data found.\n", domainLabels[domain])
	}
	return nil
}

func (p *Player) printHeader(domain performance.MetricType) {
	switch domain {
	case performance.MetricTypeDisk:
		fmt.Fprintf(p.out,
			"%-10s %-8s %-10s %-5s %10s %12s %10s %14s %12s %12s %10s %10s %12s %12s %10s %12s %12s %10s %14s %14s %14s %14s\n",
			"Device", "Time", "Epoch", "Δt", "ΔReads", "ΔReadsMerg", "ΔWrites", "ΔWritesMerg",
			"AvgQDepth", "Qlen", "r/s", "w/s", "rd_kB/s", "wr_kB/s", "svctim", "await_rd(ms)", "await_wr(ms)",
			"Discards", "DiscardsM", "Discardssecs", "DiscardsKBS", "await_dis(ms)")
	case performance.MetricTypeCPU:
		fmt.Fprintf(p.out,
			"%-8s %-10s %-5s %10s %10s %10s %10s %10s %8s %8s %10s\n",
			"Time", "Epoch", "Δt", "User(%)", "System(%)", "Idle(%)", "IOWait(%)", "Nice(%)",
			"Running", "Blocked", "Guest")
	case performance.MetricTypeMemory:
		fmt.Fprintf(p.out,
			"%-8s %-10s %12s %12s %12s %12s\n",
			"Time", "Epoch", "%Used", "%Avail", "%Cached", "%Free")
	case performance.MetricTypeNetwork:
		fmt.Fprintf(p.out,
			"%-10s %-8s %-10s %-10s %-10s %-10s %-10s %-10s %-10s %-10s\n",
			"Iface", "Time", "Epoch", "rx_kB/s", "tx_kB/s", "rx_pkts", "tx_pkts", "rx_err", "tx_err", "drop")
	}
}

func (p *Player) printRow(m *performance.IntervalMetric) {
	switch m.Domain {
	case performance.MetricTypeDisk:
		d := m.Disk
		fmt.Fprintf(p.out,
			"%-10s %-8s %-10d %-5d %10d %12d %10d %14d %12.2f %12.2f %10.2f %10.2f %12.2f %12.2f %10.2f %12.2f %12.2f %10d %14d %14d %14.2f %14.2f\n",
			m.Name, clock(m.Timestamp), m.Timestamp, m.Interval,
			d.DeltaReads, d.DeltaReadsMerged, d.DeltaWrites, d.DeltaWritesMerged,
			d.AvgQueueDepth, d.QueueLen,
			d.ReadsPerSec, d.WritesPerSec, d.ReadKBPerSec, d.WriteKBPerSec,
			d.ServiceTimeMs, d.AwaitReadMs, d.AwaitWriteMs,
			d.DeltaDiscards, d.DeltaDiscardsMerged, d.DeltaSectorsDiscarded,
			d.DiscardKBPerSec, d.AwaitDiscardMs)
	case performance.MetricTypeCPU:
		c := m.CPU
		fmt.Fprintf(p.out,
			"%-8s %-10d %-5d %10.2f %10.2f %10.2f %10.2f %10.2f %8d %8d %10.2f\n",
			clock(m.Timestamp), m.Timestamp, m.Interval,
			c.UserPct, c.SystemPct, c.IdlePct, c.IOWaitPct, c.NicePct,
			c.ProcsRunning, c.ProcsBlocked, c.GuestPct)
	case performance.MetricTypeMemory:
		mm := m.Memory
		fmt.Fprintf(p.out,
			"%-8s %-10d %12.2f %12.2f %12.2f %12.2f\n",
			clock(m.Timestamp), m.Timestamp,
			mm.UsedPct, mm.AvailPct, mm.CachedPct, mm.FreePct)
	case performance.MetricTypeNetwork:
		n := m.Network
		fmt.Fprintf(p.out,
			"%-10s %-8s %-10d %-10.2f %-10.2f %-10.2f %-10.2f %-10.2f %-10.2f %-10.2f\n",
			m.Name, clock(m.Timestamp), m.Timestamp,
			n.RxKBPerSec, n.TxKBPerSec,
			n.RxPacketsPerSec, n.TxPacketsPerSec,
			n.RxErrorsPerSec, n.TxErrorsPerSec, n.DropsPerSec)
	}
}

func clock(ts int64) string {
	return time.Unix(ts, 0).Local().Format("15:04:05")
}
