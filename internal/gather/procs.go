// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package gather

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/loberman/serverstats/pkg/host"
	"github.com/loberman/serverstats/pkg/performance"
	"github.com/loberman/serverstats/pkg/performance/collectors"
)

// procsHeader is the CSV schema for process captures. Thread rows leave
// num_threads, vmrss_kb and vm_size_kb empty; those are per-process
// quantities.
var procsHeader = []string{
	"ts_epoch", "pid", "ppid", "tid", "comm", "state", "utime", "stime",
	"num_threads", "vmrss_kb", "vm_size_kb", "read_bytes", "write_bytes", "cmdline",
}

// ProcsOptions configures a process capture run.
type ProcsOptions struct {
	Config performance.CollectionConfig
	// Output is the CSV path. Empty means a generated name from hostname
	// and start time.
	Output string
	// Runtime stops the capture after this duration. Zero runs until the
	// context is cancelled.
	Runtime time.Duration
}

// ProcsGatherer samples every process and thread on the host at a fixed
// interval and appends one CSV row per task. Unlike the counter capture,
// process rows are raw readings; rate analysis happens downstream.
type ProcsGatherer struct {
	logger    logr.Logger
	collector *collectors.ProcessCollector
	interval  time.Duration
	runtime   time.Duration
	output    string
}

// NewProcsGatherer builds a process gatherer over the configured proc path.
func NewProcsGatherer(logger logr.Logger, opts ProcsOptions) (*ProcsGatherer, error) {
	cfg := opts.Config
	cfg.ApplyDefaults()

	collector, err := collectors.NewProcessCollector(logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create process collector: %w", err)
	}

	return &ProcsGatherer{
		logger:    logger.WithName("procs"),
		collector: collector,
		interval:  cfg.Interval,
		runtime:   opts.Runtime,
		output:    opts.Output,
	}, nil
}

// Run captures until ctx is cancelled or the configured runtime elapses.
// Rows are flushed after every interval so a killed run loses at most the
// interval in progress.
func (g *ProcsGatherer) Run(ctx context.Context) error {
	if g.runtime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.runtime)
		defer cancel()
	}

	output := g.output
	if output == "" {
		output = DefaultProcsOutputName(time.Now())
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open process capture file %s: %w", output, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat process capture file %s: %w", output, err)
	}

	writer := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := writer.Write(procsHeader); err != nil {
			return fmt.Errorf("failed to write process capture header: %w", err)
		}
	}

	g.logger.Info("Starting process capture", "output", output, "interval", g.interval)

	if err := g.sampleTick(ctx, writer); err != nil {
		return err
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("Process capture stopped", "output", output)
			return nil
		case <-ticker.C:
			if err := g.sampleTick(ctx, writer); err != nil {
				return err
			}
		}
	}
}

func (g *ProcsGatherer) sampleTick(ctx context.Context, writer *csv.Writer) error {
	if ctx.Err() != nil {
		return nil
	}
	ts := time.Now().Unix()

	samples, err := g.collector.Collect(ctx)
	if err != nil {
		return fmt.Errorf("failed to sample processes: %w", err)
	}
	for _, sample := range samples {
		if err := writer.Write(procsRow(ts, sample)); err != nil {
			return fmt.Errorf("failed to write process row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to flush process rows: %w", err)
	}

	g.logger.V(1).Info("sampled processes", "ts", ts, "rows", len(samples))
	return nil
}

func procsRow(ts int64, sample performance.ProcessSample) []string {
	return []string{
		strconv.FormatInt(ts, 10),
		strconv.FormatInt(int64(sample.PID), 10),
		strconv.FormatInt(int64(sample.PPID), 10),
		strconv.FormatInt(int64(sample.TID), 10),
		sample.Comm,
		sample.State,
		strconv.FormatUint(sample.UTime, 10),
		strconv.FormatUint(sample.STime, 10),
		optionalInt(sample.NumThreads),
		optionalUint(sample.VMRSSKb),
		optionalUint(sample.VMSizeKb),
		strconv.FormatUint(sample.ReadBytes, 10),
		strconv.FormatUint(sample.WriteBytes, 10),
		sample.Cmdline,
	}
}

func optionalInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func optionalUint(v *uint64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatUint(*v, 10)
}

// DefaultProcsOutputName builds the process capture file name from hostname
// and start time.
func DefaultProcsOutputName(now time.Time) string {
	hostname, err := host.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknownhost"
	}
	return fmt.Sprintf("procstats_gather-%s-%s.csv", hostname, now.Format("20060102-150405"))
}
