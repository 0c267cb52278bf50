// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package live renders one domain's derived rates straight from procfs on a
// fixed cadence, iostat style. Unlike capture playback nothing is persisted;
// each tick's snapshots are paired with the previous tick's in memory and
// the interval length is taken as exactly the configured cadence.
package live

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/term"

	"github.com/loberman/serverstats/pkg/performance"
)

// headerEvery is how many data rows are printed between column headers when
// the output is a terminal. Non-terminal output gets a single header.
const headerEvery = 40

// Options configures a live view session.
type Options struct {
	// Config is the collection configuration; zero fields take defaults.
	Config performance.CollectionConfig
	// Domain selects which collector to sample and which table to render.
	Domain performance.MetricType
	// Filter keeps only devices whose name contains the substring. Only
	// meaningful for the disk domain.
	Filter string
	// Out receives the rendered table. Nil means stdout.
	Out io.Writer
}

// Viewer samples one collector on a ticker and prints a table row per
// derived metric. The counter store pairs each tick with the previous one;
// the delta timestamp is pinned to the cadence rather than wall clock so
// rates stay stable when a tick is delayed under load.
type Viewer struct {
	logger    logr.Logger
	config    performance.CollectionConfig
	domain    performance.MetricType
	filter    string
	out       io.Writer
	collector performance.PointCollector
	store     *performance.CounterStore
	now       func() time.Time

	isTerminal    bool
	printedHeader bool
	rows          int
}

// New builds a Viewer for the domain from the registered collectors.
func New(logger logr.Logger, opts Options) (*Viewer, error) {
	cfg := opts.Config
	if cfg.DiskPrefixes == nil && opts.Domain == performance.MetricTypeDisk {
		// The live view also watches drbd replication devices, which the
		// capture path leaves out to keep files comparable across hosts.
		cfg.DiskPrefixes = append(append([]string{}, performance.DefaultDiskPrefixes...), "drbd")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(performance.ValidateOptions{RequireHostProcPath: true}); err != nil {
		return nil, fmt.Errorf("invalid collection config: %w", err)
	}

	factory, err := performance.GetCollector(opts.Domain)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s collector: %w", opts.Domain, err)
	}
	collector, err := factory(logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s collector: %w", opts.Domain, err)
	}

	return newWithCollector(logger, opts, cfg, collector), nil
}

func newWithCollector(logger logr.Logger, opts Options, cfg performance.CollectionConfig, collector performance.PointCollector) *Viewer {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	isTerminal := false
	if f, ok := out.(*os.File); ok {
		isTerminal = term.IsTerminal(int(f.Fd()))
	}
	return &Viewer{
		logger:     logger.WithName("live"),
		config:     cfg,
		domain:     opts.Domain,
		filter:     opts.Filter,
		out:        out,
		collector:  collector,
		store:      performance.NewCounterStore(),
		now:        time.Now,
		isTerminal: isTerminal,
	}
}

// Run samples until ctx is cancelled. The first tick only primes the store;
// rows start with the second.
func (v *Viewer) Run(ctx context.Context) error {
	v.logger.Info("Starting live view",
		"domain", v.domain, "interval", v.config.Interval)

	v.tick(ctx, v.now())

	ticker := time.NewTicker(v.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			v.tick(ctx, v.now())
		}
	}
}

// tick samples the collector once and prints a row per entity that has a
// prior reading. Collection failures are logged and the tick is skipped; a
// transient procfs read error should not kill a live session.
func (v *Viewer) tick(ctx context.Context, ts time.Time) {
	snaps, err := v.collector.Collect(ctx)
	if err != nil {
		v.logger.Error(err, "collection failed", "collector", v.collector.Name())
		return
	}

	dt := int64(v.config.Interval / time.Second)
	for _, snap := range snaps {
		cur := performance.Record{Timestamp: ts.Unix(), Snapshot: snap}
		prior, ok := v.store.Update(cur)
		if !ok {
			continue
		}
		// Pin the interval to the cadence. Wall clock drifts when the
		// host is loaded and a fixed divisor keeps rates comparable
		// tick over tick.
		prior.Timestamp = cur.Timestamp - dt
		metric, ok := performance.Compute(prior, cur)
		if !ok {
			continue
		}
		if v.filter != "" && !strings.Contains(metric.Name, v.filter) {
			continue
		}
		v.printRow(metric)
	}
}

func (v *Viewer) printRow(m performance.IntervalMetric) {
	v.maybeHeader()
	ts := clock(m.Timestamp)
	switch {
	case m.Disk != nil:
		d := m.Disk
		fmt.Fprintf(v.out, "%-8s %-10s %10.2f %10.2f %12.2f %12.2f %8.2f %12.2f %12.2f %12.2f %12.2f\n",
			ts, m.Name, d.ReadsPerSec, d.WritesPerSec, d.ReadKBPerSec, d.WriteKBPerSec,
			d.QueueLen, d.AwaitReadMs, d.AwaitWriteMs, d.KBPerSec, d.IOPerSec)
	case m.CPU != nil:
		c := m.CPU
		fmt.Fprintf(v.out, "%-8s %10.2f %10.2f %10.2f %10.2f %10.2f %8d %8d %10.2f\n",
			ts, c.UserPct, c.SystemPct, c.IdlePct, c.IOWaitPct, c.NicePct,
			c.ProcsRunning, c.ProcsBlocked, c.GuestPct)
	case m.Memory != nil:
		mm := m.Memory
		fmt.Fprintf(v.out, "%-8s %10.0f %10.0f %10.2f %10.2f %10.2f %10.2f %10.0f\n",
			ts, float64(mm.UsedKB)/1024, float64(mm.FreeKB)/1024,
			mm.UsedPct, mm.AvailPct, mm.CachedPct, mm.FreePct, float64(mm.CachedKB)/1024)
	case m.Network != nil:
		n := m.Network
		fmt.Fprintf(v.out, "%-8s %-10s %10.2f %10.2f %10.0f %10.0f %10.0f %10.0f %10.0f\n",
			ts, m.Name, n.RxKBPerSec, n.TxKBPerSec, n.RxPacketsPerSec, n.TxPacketsPerSec,
			n.RxErrorsPerSec, n.TxErrorsPerSec, n.DropsPerSec)
	default:
		return
	}
	v.rows++
}

// maybeHeader prints the column header lazily before the first row, and on a
// terminal reprints it every headerEvery rows so it stays on screen.
func (v *Viewer) maybeHeader() {
	if v.printedHeader && (!v.isTerminal || v.rows%headerEvery != 0) {
		return
	}
	switch v.domain {
	case performance.MetricTypeDisk:
		fmt.Fprintf(v.out, "%-8s %-10s %10s %10s %12s %12s %8s %12s %12s %12s %12s\n",
			"Time", "Device", "Reads/s", "Writes/s", "rd_kB/s", "wr_kB/s",
			"Qlen", "await_rd(ms)", "await_wr(ms)", "total_kB/s", "total_iops")
	case performance.MetricTypeCPU:
		fmt.Fprintf(v.out, "%-8s %10s %10s %10s %10s %10s %8s %8s %10s\n",
			"Time", "User(%)", "Sys(%)", "Idle(%)", "IOWait(%)", "Nice(%)",
			"Running", "Blocked", "Guest(%)")
	case performance.MetricTypeMemory:
		fmt.Fprintf(v.out, "%-8s %10s %10s %10s %10s %10s %10s %10s\n",
			"Time", "Used(MB)", "Free(MB)", "%Used", "%Avail", "%Cached", "%Free", "Cached(MB)")
	case performance.MetricTypeNetwork:
		fmt.Fprintf(v.out, "%-8s %-10s %10s %10s %10s %10s %10s %10s %10s\n",
			"Time", "Iface", "rx_kB/s", "tx_kB/s", "rx_pkts", "tx_pkts",
			"rx_err", "tx_err", "drop")
	}
	v.printedHeader = true
}

func clock(ts int64) string {
	return time.Unix(ts, 0).Local().Format("15:04:05")
}
