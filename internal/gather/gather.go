// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package gather runs the capture front ends: the counter gatherer that
// samples the system-wide collectors into a capture file, and the process
// gatherer that samples per-process telemetry into a CSV.
package gather

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/loberman/serverstats/internal/config"
	"github.com/loberman/serverstats/pkg/host"
	"github.com/loberman/serverstats/pkg/performance"
	"github.com/loberman/serverstats/pkg/performance/capture"
	"golang.org/x/sync/errgroup"
)

// captureOrder fixes the order collector output is written per interval.
// Records within one timestamp always appear disk, cpu, memory, network so
// captures from different hosts line up.
var captureOrder = []performance.MetricType{
	performance.MetricTypeDisk,
	performance.MetricTypeCPU,
	performance.MetricTypeMemory,
	performance.MetricTypeNetwork,
}

// Options configures a capture run.
type Options struct {
	// Config is the collection configuration; zero fields take defaults.
	Config performance.CollectionConfig
	// Output is the capture file path. Empty means a generated name from
	// hostname and start time.
	Output string
	// Runtime stops the capture after this duration. Zero runs until the
	// context is cancelled.
	Runtime time.Duration
	// Consumers receive derived interval metrics live during the capture.
	Consumers []MetricConsumer
	// ConfigWatch, when set, delivers config file reloads; only the
	// sampling interval is applied mid-run.
	ConfigWatch *config.Watcher
}

// Gatherer owns one capture run: it drives the enabled collectors on a fixed
// interval, appends every snapshot to the capture file, and feeds the same
// records through a delta engine for any live consumers.
type Gatherer struct {
	logger     logr.Logger
	config     performance.CollectionConfig
	output     string
	runtime    time.Duration
	collectors []performance.PointCollector
	engine     *performance.DeltaEngine
	consumers  []MetricConsumer
	watch      *config.Watcher
	now        func() time.Time
}

// New builds a Gatherer from the registered collectors. Collectors are
// instantiated in capture order; a type that is enabled but has no
// registered collector is an error.
func New(logger logr.Logger, opts Options) (*Gatherer, error) {
	cfg := opts.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(performance.ValidateOptions{RequireHostProcPath: true}); err != nil {
		return nil, fmt.Errorf("invalid collection config: %w", err)
	}

	var pcs []performance.PointCollector
	for _, metricType := range captureOrder {
		if !cfg.EnabledCollectors[metricType] {
			continue
		}
		factory, err := performance.GetCollector(metricType)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s collector: %w", metricType, err)
		}
		collector, err := factory(logger, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s collector: %w", metricType, err)
		}
		pcs = append(pcs, collector)
	}
	if len(pcs) == 0 {
		return nil, fmt.Errorf("no collectors enabled")
	}

	return newWithCollectors(logger, opts, cfg, pcs), nil
}

func newWithCollectors(logger logr.Logger, opts Options, cfg performance.CollectionConfig, pcs []performance.PointCollector) *Gatherer {
	return &Gatherer{
		logger:     logger.WithName("gather"),
		config:     cfg,
		output:     opts.Output,
		runtime:    opts.Runtime,
		collectors: pcs,
		engine:     performance.NewDeltaEngine(logger),
		consumers:  opts.Consumers,
		watch:      opts.ConfigWatch,
		now:        time.Now,
	}
}

// Run captures until ctx is cancelled or the configured runtime elapses.
// Both are clean stops. The first interval is sampled immediately so rates
// become available one interval after start.
func (g *Gatherer) Run(ctx context.Context) error {
	if g.runtime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.runtime)
		defer cancel()
	}

	output := g.output
	if output == "" {
		output = DefaultOutputName(time.Now())
	}
	writer, err := capture.OpenFile(output)
	if err != nil {
		return err
	}
	defer writer.Close()

	if err := g.writeProvenance(writer, time.Now()); err != nil {
		return fmt.Errorf("failed to write capture provenance: %w", err)
	}

	for _, consumer := range g.consumers {
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start consumer %s: %w", consumer.Name(), err)
		}
	}

	g.logger.Info("Starting capture",
		"output", output, "interval", g.config.Interval, "collectors", len(g.collectors))

	if err := g.captureTick(ctx, writer); err != nil {
		return err
	}

	ticker := time.NewTicker(g.config.Interval)
	defer ticker.Stop()

	var updates <-chan config.File
	if g.watch != nil {
		updates = g.watch.Updates()
	}

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("Capture stopped", "output", output)
			return nil
		case <-ticker.C:
			if err := g.captureTick(ctx, writer); err != nil {
				return err
			}
		case file, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			g.applyConfig(file, ticker)
		}
	}
}

// captureTick samples every collector once, writes the snapshots in capture
// order under a single timestamp, and flushes. Collector failures are logged
// and the interval goes on without that domain; write failures abort the run.
func (g *Gatherer) captureTick(ctx context.Context, writer *capture.Writer) error {
	if ctx.Err() != nil {
		return nil
	}
	ts := g.now().Unix()

	results := make([][]performance.Snapshot, len(g.collectors))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, collector := range g.collectors {
		eg.Go(func() error {
			snaps, err := collector.Collect(egCtx)
			if err != nil {
				g.logger.Error(err, "collection failed", "collector", collector.Name())
				return nil
			}
			results[i] = snaps
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	written := 0
	for _, snaps := range results {
		for _, snap := range snaps {
			record := performance.Record{Timestamp: ts, Snapshot: snap}
			if err := writer.WriteRecord(record); err != nil {
				return fmt.Errorf("failed to write capture record: %w", err)
			}
			written++
			g.publish(record)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush capture file: %w", err)
	}

	g.logger.V(1).Info("captured interval", "ts", ts, "records", written)
	return nil
}

// publish feeds one record through the delta engine and hands the derived
// metric to every consumer. With no consumers the engine is skipped; replay
// of the capture file recomputes identical metrics later.
func (g *Gatherer) publish(record performance.Record) {
	if len(g.consumers) == 0 {
		return
	}
	metric, ok := g.engine.Observe(record)
	if !ok {
		return
	}
	for _, consumer := range g.consumers {
		if err := consumer.HandleMetric(metric); err != nil {
			g.logger.Error(err, "consumer rejected metric",
				"consumer", consumer.Name(), "key", metric.Key)
		}
	}
}

// applyConfig applies a config file reload. Only the sampling interval is
// picked up mid-run; the collector set and output file are fixed for the
// life of a capture so the record layout stays uniform.
func (g *Gatherer) applyConfig(file config.File, ticker *time.Ticker) {
	next := file.CollectionConfig()
	if next.Interval > 0 && next.Interval != g.config.Interval {
		g.logger.Info("Sampling interval updated",
			"old", g.config.Interval, "new", next.Interval)
		g.config.Interval = next.Interval
		ticker.Reset(next.Interval)
	}
}

// writeProvenance records where and when the capture was taken as comment
// lines at the top of the file. Readers skip comments, so older tooling
// replays these files unchanged.
func (g *Gatherer) writeProvenance(writer *capture.Writer, start time.Time) error {
	lines := []string{
		fmt.Sprintf(" capture_id: %s", uuid.NewString()),
		fmt.Sprintf(" started: %s", start.UTC().Format(time.RFC3339)),
		fmt.Sprintf(" interval_seconds: %d", int(g.config.Interval.Seconds())),
	}
	if hostname, err := host.Hostname(); err == nil {
		lines = append(lines, fmt.Sprintf(" hostname: %s", hostname))
	}
	if release, err := host.KernelRelease(); err == nil {
		lines = append(lines, fmt.Sprintf(" kernel: %s", release))
	}
	if machineID, err := host.MachineID(); err == nil {
		lines = append(lines, fmt.Sprintf(" machine_id: %s", machineID))
	}
	for _, line := range lines {
		if err := writer.Comment(line); err != nil {
			return err
		}
	}
	return nil
}

// DefaultOutputName builds the capture file name operators expect: tool,
// host and wall-clock start time.
func DefaultOutputName(now time.Time) string {
	hostname, err := host.Hostname()
	if err != nil || hostname == "" {
		return "serverstats_grab.dat"
	}
	return fmt.Sprintf("serverstats_grab-%s-%s.dat", hostname, now.Format("2006-01-02_15-04-05"))
}
