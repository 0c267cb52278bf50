// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package analyze reduces a whole capture to summary artifacts: top-50
// ranking tables per disk metric, an await-latency distribution, and an
// optional SQLite metrics database for ad-hoc queries.
package analyze

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/loberman/serverstats/internal/export/sqlite"
	"github.com/loberman/serverstats/pkg/performance"
	"github.com/loberman/serverstats/pkg/performance/capture"
)

// Options configures one analysis run.
type Options struct {
	// TopK bounds the ranking tables; 0 means the default of 50.
	TopK int
	// SQLitePath, when set, persists every interval metric into a SQLite
	// database at that path.
	SQLitePath string
	// Out receives the progress lines. Defaults to os.Stdout.
	Out io.Writer
}

// Analyzer runs whole-capture analysis passes.
type Analyzer struct {
	logger logr.Logger
	opts   Options
}

func New(logger logr.Logger, opts Options) *Analyzer {
	if opts.TopK == 0 {
		opts.TopK = performance.DefaultCollectionConfig().TopK
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Analyzer{
		logger: logger.WithName("analyze"),
		opts:   opts,
	}
}

// Run analyzes the capture at path and writes all artifacts into a directory
// named after the capture file stem, created in the current directory.
func (a *Analyzer) Run(path string) error {
	outputDir := OutputDir(path)
	fmt.Fprintf(a.opts.Out, "Analyzing serverstats: %s\nOutput dir: %s\n", path, outputDir)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir %s: %w", outputDir, err)
	}

	acc, err := BuildSeries(a.logger, path)
	if err != nil {
		return err
	}
	a.logger.V(1).Info("Built series", "entities", acc.Len())

	if err := a.writeTopTables(outputDir, acc); err != nil {
		return err
	}
	if err := writeLatencySummary(outputDir, acc); err != nil {
		return err
	}

	if a.opts.SQLitePath != "" {
		if err := a.writeDatabase(acc); err != nil {
			return err
		}
		fmt.Fprintf(a.opts.Out, "Metrics database: %s\n", a.opts.SQLitePath)
	}

	fmt.Fprintf(a.opts.Out, "Analysis complete. See %s/ for results.\n", outputDir)
	return nil
}

// BuildSeries streams a capture through the delta engine and groups every
// interval metric into per-entity series. The engine consumes the full
// record stream, so series carry exactly the intervals a playback of the
// same file would print.
func BuildSeries(logger logr.Logger, path string) (*performance.SeriesAccumulator, error) {
	r, err := capture.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	engine := performance.NewDeltaEngine(logger)
	acc := performance.NewSeriesAccumulator()
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if metric, ok := engine.Observe(rec); ok {
			acc.Add(metric)
		}
	}
	if skipped := r.Skipped(); skipped > 0 {
		logger.V(1).Info("Skipped malformed capture lines", "count", skipped)
	}
	return acc, nil
}

// OutputDir names the analysis directory for a capture file: its base name
// with the extension dropped, relative to the working directory.
func OutputDir(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// writeTopTables writes the per-metric ranking tables, one pair of files per
// disk metric, ranked by average and by peak.
func (a *Analyzer) writeTopTables(dir string, acc *performance.SeriesAccumulator) error {
	for _, def := range performance.DiskMetricDefs {
		summaries := performance.Summarize(acc, performance.MetricTypeDisk, def)

		avgName := fmt.Sprintf("top50_%s_avg.txt", def.Name)
		if err := writeTable(dir, avgName, def.Name, "average",
			performance.RankByAvg(summaries, a.opts.TopK)); err != nil {
			return err
		}

		peakName := fmt.Sprintf("top50_%s_peak.txt", def.Name)
		if err := writeTable(dir, peakName, def.Name, "peak",
			performance.RankByPeak(summaries, a.opts.TopK)); err != nil {
			return err
		}
	}
	return nil
}

func writeTable(dir, fname, metric, flavor string, rows []performance.EntitySummary) (err error) {
	f, err := os.Create(filepath.Join(dir, fname))
	if err != nil {
		return fmt.Errorf("creating %s: %w", fname, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	fmt.Fprintf(f, "%s\nMetric: %s (%s)\n\n", fname, metric, flavor)
	fmt.Fprintf(f, "%-5s %-16s %12s %12s\n", "Rank", "Device", "Average", "Peak")
	fmt.Fprintln(f, strings.Repeat("-", 48))
	for i, s := range rows {
		fmt.Fprintf(f, "%-5d %-16s %12.2f %12.2f\n", i+1, s.Name, s.Avg, s.Peak)
	}
	return nil
}

func (a *Analyzer) writeDatabase(acc *performance.SeriesAccumulator) error {
	store, err := sqlite.Open(a.opts.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.WriteSeries(acc)
}
