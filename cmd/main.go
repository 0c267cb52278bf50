// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/loberman/serverstats/internal/analyze"
	"github.com/loberman/serverstats/internal/config"
	"github.com/loberman/serverstats/internal/export/otel"
	"github.com/loberman/serverstats/internal/gather"
	"github.com/loberman/serverstats/internal/live"
	"github.com/loberman/serverstats/internal/multipath"
	"github.com/loberman/serverstats/internal/playback"
	"github.com/loberman/serverstats/pkg/performance"
	"github.com/loberman/serverstats/pkg/performance/capture"
)

const (
	version = "3.0.0"

	// defaultCapture is where playback and analysis look when no capture
	// file is named.
	defaultCapture = "serverstats_grab.dat"
)

var (
	// CLI Options (alphabetical order)
	analyzeMode  bool
	deviceFilter string
	fromTime     string
	intervalSecs int
	liveMode     bool
	mpathMode    bool
	outputDir    string
	playCPU      bool
	playDisk     bool
	playMem      bool
	playNet      bool
	procsMode    bool
	toTime       string
	truncateMode bool
)

func init() {
	flag.BoolVar(&analyzeMode, "a", false,
		"Analysis mode: write ranked tables, latency summary and optional database for a capture")
	flag.StringVar(&deviceFilter, "d", "",
		"Live disk mode: only show devices whose name contains this substring")
	flag.StringVar(&fromTime, "from", "",
		"Window start as HH:MM:SS local wallclock")
	flag.IntVar(&intervalSecs, "g", 0,
		"Sampling interval in seconds; selects gather mode unless -live or -procs is set")
	flag.BoolVar(&liveMode, "live", false,
		"Sample procfs directly and print rates; combine with -pD, -pC, -pM or -pN")
	flag.StringVar(&outputDir, "o", "",
		"Gather mode: directory the capture file is written into")
	flag.BoolVar(&playCPU, "pC", false, "Play back CPU records from a capture")
	flag.BoolVar(&playDisk, "pD", false, "Play back DISK records from a capture")
	flag.BoolVar(&playMem, "pM", false, "Play back MEM records from a capture")
	flag.BoolVar(&mpathMode, "pMpath", false,
		"Multipath report: aggregate per-path disk rates under a multipath -ll topology")
	flag.BoolVar(&playNet, "pN", false, "Play back NET records from a capture")
	flag.BoolVar(&procsMode, "procs", false, "Capture per-process and per-thread samples")
	flag.StringVar(&toTime, "to", "",
		"Window end as HH:MM:SS local wallclock")
	flag.BoolVar(&truncateMode, "truncate", false,
		"Copy a capture keeping only records inside the -from/-to window")

	if err := flag.CommandLine.Parse(normalizeArgs(os.Args[1:])); err != nil {
		os.Exit(2)
	}
}

// normalizeArgs splits the attached "-gN" interval form into "-g N" and
// fills in the historical 5 second default when -g is given bare, so the
// flag package can parse the argv the older tools accepted.
func normalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i, arg := range args {
		if len(arg) > 2 && arg[:2] == "-g" {
			if _, err := strconv.Atoi(arg[2:]); err == nil {
				out = append(out, "-g", arg[2:])
				continue
			}
		}
		if arg == "-g" {
			next := ""
			if i+1 < len(args) {
				next = args[i+1]
			}
			if _, err := strconv.Atoi(next); err != nil || next == "" {
				out = append(out, "-g", "5")
				continue
			}
		}
		out = append(out, arg)
	}
	return out
}

func usage() {
	fmt.Printf("serverstats %s\n", version)
	fmt.Fprint(os.Stderr, `Usage:
    serverstats -g <interval_seconds>                                 # Gather mode (all metrics)
    serverstats -g <interval_seconds> -o <output dir>                 # Gather mode (all metrics)
    serverstats -pD <capturefile>                                     # Playback DISK
    serverstats -pD --from HH:MM:SS --to HH:MM:SS <capturefile>       # Playback DISK time window
    serverstats -pC <capturefile>                                     # Playback CPU
    serverstats -pM <capturefile>                                     # Playback MEM
    serverstats -pN <capturefile>                                     # Playback NET
    serverstats -a <capturefile>                                      # Analysis mode (ranked tables + latency)
    serverstats -pMpath <multipath-ll.txt> <capturefile.dat>          # Multipath IO/KB/sec summary
    serverstats -live -g <interval_seconds> -pD|-pC|-pM|-pN [-d DEV]  # Live viewer (disk filter optional)
    serverstats -procs -g <interval_seconds>                          # Per-process capture
    serverstats -truncate [--from HH:MM:SS] [--to HH:MM:SS] <in> <out>
`)
}

func exitUsage() {
	usage()
	os.Exit(1)
}

func main() {
	zapLog, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	logger := zapr.NewLogger(zapLog)

	if err := run(logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(logger logr.Logger) error {
	switch {
	case truncateMode:
		return runTruncate()
	case liveMode:
		return runLive(logger)
	case procsMode:
		return runProcs(logger)
	case analyzeMode:
		return runAnalyze(logger)
	case mpathMode:
		return runMultipath(logger)
	case playDisk || playCPU || playMem || playNet:
		return runPlayback(logger)
	case intervalSecs > 0:
		return runGather(logger)
	default:
		exitUsage()
		return nil
	}
}

// signalContext cancels on SIGINT/SIGTERM so long-running modes flush and
// close their output cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Printf("\nReceived interrupt, shutting down...\n")
		cancel()
	}()

	return ctx, cancel
}

func runGather(logger logr.Logger) error {
	file, err := config.FromFlags()
	if err != nil {
		return err
	}

	cfg := file.CollectionConfig()
	cfg.Interval = time.Duration(intervalSecs) * time.Second

	output := file.Output
	if output == "" {
		output = gather.DefaultOutputName(time.Now())
	}
	if outputDir != "" {
		output = filepath.Join(outputDir, filepath.Base(output))
	}

	opts := gather.Options{
		Config: cfg,
		Output: output,
	}

	var exporter *otel.Consumer
	if endpoint := file.Export.OTLP.Endpoint; endpoint != "" {
		otelCfg := otel.DefaultConfig()
		otelCfg.Endpoint = endpoint
		otelCfg.Insecure = file.Export.OTLP.Insecure
		otelCfg.PushInterval = cfg.Interval
		if iv := time.Duration(file.Export.OTLP.Interval); iv > 0 {
			otelCfg.PushInterval = iv
		}
		otelCfg.ApplyEnvironmentVariables()

		exporter, err = otel.NewConsumer(otelCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		opts.Consumers = append(opts.Consumers, exporter)
	}

	if path := config.Path(); path != "" {
		watcher, err := config.NewWatcher(path, logger)
		if err != nil {
			logger.Error(err, "Config reload disabled", "config", path)
		} else {
			opts.ConfigWatch = watcher
			defer watcher.Close()
		}
	}

	g, err := gather.New(logger, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Writing to file: %s\n", output)

	ctx, cancel := signalContext()
	defer cancel()

	err = g.Run(ctx)
	if exporter != nil {
		// Let the exporter push its final batch before the process exits.
		exporter.Wait()
	}
	return err
}

func runPlayback(logger logr.Logger) error {
	window, err := capture.NewTimeWindow(fromTime, toTime)
	if err != nil {
		return err
	}
	p := playback.New(logger, os.Stdout, window)
	return p.Play(captureArg(0), playbackDomain())
}

func runAnalyze(logger logr.Logger) error {
	file, err := config.FromFlags()
	if err != nil {
		return err
	}
	a := analyze.New(logger, analyze.Options{
		TopK:       file.TopK,
		SQLitePath: file.Export.SQLite.Path,
	})
	return a.Run(captureArg(0))
}

func runMultipath(logger logr.Logger) error {
	args := flag.Args()
	if len(args) < 2 {
		exitUsage()
	}
	return multipath.Report(logger, os.Stdout, args[0], args[1])
}

func runLive(logger logr.Logger) error {
	if !playDisk && !playCPU && !playMem && !playNet {
		fmt.Fprintln(os.Stderr, "Error: -live needs one of -pD, -pC, -pM, -pN.")
		exitUsage()
	}

	file, err := config.FromFlags()
	if err != nil {
		return err
	}

	cfg := file.CollectionConfig()
	interval := intervalSecs
	if interval <= 0 {
		interval = 1
	}
	cfg.Interval = time.Duration(interval) * time.Second

	v, err := live.New(logger, live.Options{
		Config: cfg,
		Domain: playbackDomain(),
		Filter: deviceFilter,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	return v.Run(ctx)
}

func runProcs(logger logr.Logger) error {
	file, err := config.FromFlags()
	if err != nil {
		return err
	}

	cfg := file.CollectionConfig()
	interval := intervalSecs
	if interval <= 0 {
		interval = 60
	}
	cfg.Interval = time.Duration(interval) * time.Second

	g, err := gather.NewProcsGatherer(logger, gather.ProcsOptions{Config: cfg})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	return g.Run(ctx)
}

func runTruncate() error {
	args := flag.Args()
	if len(args) < 2 {
		exitUsage()
	}

	window, err := capture.NewTimeWindow(fromTime, toTime)
	if err != nil {
		return err
	}
	if _, _, err := playback.Truncate(args[0], args[1], window); err != nil {
		return err
	}
	fmt.Printf("Done. Wrote: %s\n", args[1])
	return nil
}

// playbackDomain maps the mode flags onto a metric domain; disk is the
// default for the one caller that reaches here without any mode set.
func playbackDomain() performance.MetricType {
	switch {
	case playCPU:
		return performance.MetricTypeCPU
	case playMem:
		return performance.MetricTypeMemory
	case playNet:
		return performance.MetricTypeNetwork
	default:
		return performance.MetricTypeDisk
	}
}

// captureArg returns the i-th positional argument, falling back to the
// default capture name the way the playback tools always have.
func captureArg(i int) string {
	if args := flag.Args(); i < len(args) {
		return args[i]
	}
	return defaultCapture
}
