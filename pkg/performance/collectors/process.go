// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package collectors

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/loberman/serverstats/pkg/performance"
)

// ProcessCollector walks /proc once per call and samples every process and
// its threads: scheduler state, CPU jiffies, memory sizes, cumulative I/O
// bytes and the command line.
//
// procfs reads can stall indefinitely for pathological processes (a task
// stuck in uninterruptible sleep under a dead NFS mount will hang anything
// touching its /proc entries), so each process fetch runs as its own
// goroutine and is awaited with a deadline. A timed-out fetch is retried
// once; a second timeout skips that process for the interval and collection
// moves on. One wedged process must never stall the whole interval.
//
// Reference: https://www.kernel.org/doc/html/latest/filesystems/proc.html#process-specific-subdirectories
type ProcessCollector struct {
	performance.BasePointCollector
	procPath   string
	timeout    time.Duration
	retries    int
	pageSizeKB uint64
}

func NewProcessCollector(logger logr.Logger, config performance.CollectionConfig) (*ProcessCollector, error) {
	if err := config.Validate(performance.ValidateOptions{RequireHostProcPath: true}); err != nil {
		return nil, err
	}

	capabilities := performance.CollectorCapabilities{
		// /proc/[pid]/io of other users' processes needs privileges; the
		// collector degrades to zero I/O counters without them.
		RequiresRoot:     false,
		MinKernelVersion: "2.6.0",
	}

	timeout := config.ProcessTimeout
	if timeout <= 0 {
		timeout = performance.DefaultCollectionConfig().ProcessTimeout
	}
	retries := config.ProcessRetries
	if retries < 0 {
		retries = 0
	}

	return &ProcessCollector{
		BasePointCollector: performance.NewBasePointCollector(
			performance.MetricTypeProcess,
			"Process Telemetry Collector",
			logger,
			config,
			capabilities,
		),
		procPath:   config.HostProcPath,
		timeout:    timeout,
		retries:    retries,
		pageSizeKB: uint64(os.Getpagesize()) / 1024,
	}, nil
}

// Collect samples every live process. Individual processes that vanish
// mid-walk or time out are skipped; only an unreadable /proc fails the call.
func (c *ProcessCollector) Collect(ctx context.Context) ([]performance.ProcessSample, error) {
	entries, err := os.ReadDir(c.procPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", c.procPath, err)
	}

	var samples []performance.ProcessSample
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.ParseInt(entry.Name(), 10, 32)
		if err != nil {
			continue // not a process directory
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		sample, ok := c.fetchWithDeadline(int32(pid), func() (performance.ProcessSample, bool) {
			return c.readProcess(int32(pid))
		})
		if !ok {
			continue
		}
		samples = append(samples, sample)
		samples = append(samples, c.collectThreads(sample)...)
	}

	c.Logger().V(1).Info("Collected process telemetry", "samples", len(samples))
	return samples, nil
}

// fetchWithDeadline runs fetch in its own goroutine and awaits it under the
// configured deadline, retrying timeouts. The abandoned goroutine of a
// timed-out fetch finishes into a buffered channel and is collected
// normally; there is no way to cancel a wedged procfs read.
func (c *ProcessCollector) fetchWithDeadline(pid int32, fetch func() (performance.ProcessSample, bool)) (performance.ProcessSample, bool) {
	type result struct {
		sample performance.ProcessSample
		ok     bool
	}

	for attempt := 0; attempt <= c.retries; attempt++ {
		done := make(chan result, 1)
		go func() {
			sample, ok := fetch()
			done <- result{sample, ok}
		}()

		timer := time.NewTimer(c.timeout)
		select {
		case res := <-done:
			timer.Stop()
			return res.sample, res.ok
		case <-timer.C:
			if attempt < c.retries {
				c.Logger().Info("Timeout reading process, retrying", "pid", pid, "attempt", attempt+1)
				continue
			}
			c.Logger().Info("Skipping process after repeated timeouts", "pid", pid)
		}
	}
	return performance.ProcessSample{}, false
}

// collectThreads samples the threads of one process from /proc/[pid]/task,
// skipping the main thread already covered by the process row. Thread rows
// inherit the process's I/O counters and omit the per-process memory fields.
func (c *ProcessCollector) collectThreads(proc performance.ProcessSample) []performance.ProcessSample {
	taskDir := filepath.Join(c.procPath, strconv.Itoa(int(proc.PID)), "task")
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return nil // process exited, or task dir not readable
	}

	var threads []performance.ProcessSample
	for _, entry := range entries {
		tid, err := strconv.ParseInt(entry.Name(), 10, 32)
		if err != nil || int32(tid) == proc.PID {
			continue
		}

		sample, ok := c.fetchWithDeadline(proc.PID, func() (performance.ProcessSample, bool) {
			return c.readThread(proc, int32(tid))
		})
		if !ok {
			c.Logger().V(2).Info("Skipping thread", "pid", proc.PID, "tid", tid)
			continue
		}
		threads = append(threads, sample)
	}
	return threads
}

func (c *ProcessCollector) readProcess(pid int32) (performance.ProcessSample, bool) {
	statPath := filepath.Join(c.procPath, strconv.Itoa(int(pid)), "stat")
	sample, ok := c.parseStat(statPath, pid)
	if !ok {
		return performance.ProcessSample{}, false
	}
	sample.TID = pid

	sample.ReadBytes, sample.WriteBytes = c.readIOCounters(pid)
	sample.Cmdline = c.readCmdline(pid)
	return sample, true
}

func (c *ProcessCollector) readThread(proc performance.ProcessSample, tid int32) (performance.ProcessSample, bool) {
	statPath := filepath.Join(c.procPath, strconv.Itoa(int(proc.PID)), "task", strconv.Itoa(int(tid)), "stat")
	sample, ok := c.parseStat(statPath, proc.PID)
	if !ok {
		return performance.ProcessSample{}, false
	}
	sample.TID = tid
	sample.NumThreads = nil
	sample.VMRSSKb = nil
	sample.VMSizeKb = nil
	sample.ReadBytes = proc.ReadBytes
	sample.WriteBytes = proc.WriteBytes
	sample.Cmdline = ""
	return sample, true
}

// parseStat parses a /proc/.../stat file. The comm field is enclosed in
// parentheses and may itself contain spaces and parentheses, so fields are
// split only after the last ')'.
func (c *ProcessCollector) parseStat(path string, pid int32) (performance.ProcessSample, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return performance.ProcessSample{}, false
	}
	statStr := string(data)

	firstParen := strings.Index(statStr, "(")
	lastParen := strings.LastIndex(statStr, ")")
	if firstParen == -1 || lastParen <= firstParen {
		return performance.ProcessSample{}, false
	}

	sample := performance.ProcessSample{
		PID:  pid,
		Comm: statStr[firstParen+1 : lastParen],
	}

	// Fields are 0-indexed after the comm field.
	fields := strings.Fields(strings.TrimSpace(statStr[lastParen+1:]))
	if len(fields) < 22 {
		return performance.ProcessSample{}, false
	}

	sample.State = fields[0]
	if ppid, err := strconv.ParseInt(fields[1], 10, 32); err == nil {
		sample.PPID = int32(ppid)
	}
	if utime, err := strconv.ParseUint(fields[11], 10, 64); err == nil {
		sample.UTime = utime
	}
	if stime, err := strconv.ParseUint(fields[12], 10, 64); err == nil {
		sample.STime = stime
	}
	if threads, err := strconv.ParseInt(fields[17], 10, 64); err == nil {
		sample.NumThreads = &threads
	}
	// Field 20: vsize in bytes. Field 21: rss in pages.
	if vsize, err := strconv.ParseUint(fields[20], 10, 64); err == nil {
		kb := vsize / 1024
		sample.VMSizeKb = &kb
	}
	if rss, err := strconv.ParseUint(fields[21], 10, 64); err == nil {
		kb := rss * c.pageSizeKB
		sample.VMRSSKb = &kb
	}

	return sample, true
}

// readIOCounters reads cumulative read/write bytes from /proc/[pid]/io.
// Zero on permission failure; the file is root-or-owner readable.
func (c *ProcessCollector) readIOCounters(pid int32) (readBytes, writeBytes uint64) {
	data, err := os.ReadFile(filepath.Join(c.procPath, strconv.Itoa(int(pid)), "io"))
	if err != nil {
		return 0, 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "read_bytes: "); ok {
			readBytes, _ = strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		}
		if v, ok := strings.CutPrefix(line, "write_bytes: "); ok {
			writeBytes, _ = strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		}
	}
	return readBytes, writeBytes
}

// readCmdline joins the NUL-separated argv into one spaced string; kernel
// threads have an empty cmdline and keep it.
func (c *ProcessCollector) readCmdline(pid int32) string {
	data, err := os.ReadFile(filepath.Join(c.procPath, strconv.Itoa(int(pid)), "cmdline"))
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
	return strings.TrimSpace(strings.Join(parts, " "))
}
