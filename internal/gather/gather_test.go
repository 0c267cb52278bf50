// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package gather

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/loberman/serverstats/internal/config"
	"github.com/loberman/serverstats/pkg/performance"
	"github.com/loberman/serverstats/pkg/performance/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCollector struct {
	metricType performance.MetricType
	name       string
	snaps      []performance.Snapshot
	err        error
	calls      int
}

func (c *stubCollector) Type() performance.MetricType { return c.metricType }
func (c *stubCollector) Name() string                 { return c.name }
func (c *stubCollector) Capabilities() performance.CollectorCapabilities {
	return performance.CollectorCapabilities{}
}

func (c *stubCollector) Collect(ctx context.Context) ([]performance.Snapshot, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.snaps, nil
}

type recordingConsumer struct {
	started bool
	metrics []performance.IntervalMetric
}

func (c *recordingConsumer) Name() string { return "recording" }

func (c *recordingConsumer) Start(ctx context.Context) error {
	c.started = true
	return nil
}

func (c *recordingConsumer) HandleMetric(metric performance.IntervalMetric) error {
	c.metrics = append(c.metrics, metric)
	return nil
}

func diskSnap(device string, reads uint64) *performance.DiskSnapshot {
	return &performance.DiskSnapshot{Major: 8, Minor: 0, Device: device, ReadsCompleted: reads}
}

func newTestGatherer(t *testing.T, opts Options, pcs ...performance.PointCollector) *Gatherer {
	t.Helper()
	cfg := opts.Config
	cfg.ApplyDefaults()
	return newWithCollectors(testr.New(t), opts, cfg, pcs)
}

func TestGathererCaptureTicks(t *testing.T) {
	disk := &stubCollector{
		metricType: performance.MetricTypeDisk,
		name:       "disk",
		snaps:      []performance.Snapshot{diskSnap("sda", 100), diskSnap("sdb", 50)},
	}
	cpu := &stubCollector{
		metricType: performance.MetricTypeCPU,
		name:       "cpu",
		snaps:      []performance.Snapshot{&performance.CPUSnapshot{User: 1000, Idle: 9000}},
	}
	consumer := &recordingConsumer{}

	g := newTestGatherer(t, Options{Consumers: []MetricConsumer{consumer}}, disk, cpu)
	base := time.Unix(1700000000, 0)
	ticks := 0
	g.now = func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks-1) * 5 * time.Second)
	}

	path := filepath.Join(t.TempDir(), "capture.dat")
	writer, err := capture.OpenFile(path)
	require.NoError(t, err)

	require.NoError(t, g.captureTick(context.Background(), writer))
	assert.Empty(t, consumer.metrics, "first interval has nothing to pair against")

	disk.snaps = []performance.Snapshot{diskSnap("sda", 200), diskSnap("sdb", 50)}
	cpu.snaps = []performance.Snapshot{&performance.CPUSnapshot{User: 1500, Idle: 9500}}
	require.NoError(t, g.captureTick(context.Background(), writer))
	require.NoError(t, writer.Close())

	records, err := capture.ReadAll(path)
	require.NoError(t, err)
	require.Len(t, records, 6)

	// Within a timestamp, records follow capture order.
	assert.Equal(t, performance.DiskKey(8, 0, "sda"), records[0].Key())
	assert.Equal(t, performance.DiskKey(8, 0, "sdb"), records[1].Key())
	assert.Equal(t, performance.CPUKey, records[2].Key())
	assert.Equal(t, base.Unix(), records[0].Timestamp)
	assert.Equal(t, base.Unix()+5, records[3].Timestamp)

	require.Len(t, consumer.metrics, 3, "second tick pairs every entity")
	bySda := consumer.metrics[0]
	assert.Equal(t, performance.DiskKey(8, 0, "sda"), bySda.Key)
	require.NotNil(t, bySda.Disk)
	assert.InDelta(t, 20.0, bySda.Disk.ReadsPerSec, 0.001, "100 reads over 5s")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, capture.HeaderLine, strings.SplitN(string(raw), "\n", 2)[0])
}

func TestGathererCollectorFailureSkipsDomain(t *testing.T) {
	broken := &stubCollector{
		metricType: performance.MetricTypeDisk,
		name:       "disk",
		err:        errors.New("proc went away"),
	}
	cpu := &stubCollector{
		metricType: performance.MetricTypeCPU,
		name:       "cpu",
		snaps:      []performance.Snapshot{&performance.CPUSnapshot{User: 10}},
	}

	g := newTestGatherer(t, Options{}, broken, cpu)
	path := filepath.Join(t.TempDir(), "capture.dat")
	writer, err := capture.OpenFile(path)
	require.NoError(t, err)

	require.NoError(t, g.captureTick(context.Background(), writer))
	require.NoError(t, writer.Close())

	records, err := capture.ReadAll(path)
	require.NoError(t, err)
	require.Len(t, records, 1, "the healthy domain still lands")
	assert.Equal(t, performance.CPUKey, records[0].Key())
	assert.Equal(t, 1, broken.calls)
}

func TestGathererRunWritesProvenance(t *testing.T) {
	disk := &stubCollector{
		metricType: performance.MetricTypeDisk,
		name:       "disk",
		snaps:      []performance.Snapshot{diskSnap("sda", 1)},
	}
	consumer := &recordingConsumer{}

	path := filepath.Join(t.TempDir(), "capture.dat")
	g := newTestGatherer(t, Options{
		Config:    performance.CollectionConfig{Interval: 50 * time.Millisecond},
		Output:    path,
		Runtime:   150 * time.Millisecond,
		Consumers: []MetricConsumer{consumer},
	}, disk)

	require.NoError(t, g.Run(context.Background()))
	assert.True(t, consumer.started)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(string(raw), "\n")
	require.Greater(t, len(lines), 3)
	assert.Equal(t, capture.HeaderLine, lines[0])
	assert.Contains(t, string(raw), "# capture_id: ")
	assert.Contains(t, string(raw), "# started: ")

	records, err := capture.ReadAll(path)
	require.NoError(t, err)
	assert.NotEmpty(t, records, "at least the immediate first sample lands")
	assert.GreaterOrEqual(t, disk.calls, 2, "runtime spans multiple intervals")
}

func TestGathererRunStopsOnCancel(t *testing.T) {
	disk := &stubCollector{
		metricType: performance.MetricTypeDisk,
		name:       "disk",
		snaps:      []performance.Snapshot{diskSnap("sda", 1)},
	}
	path := filepath.Join(t.TempDir(), "capture.dat")
	g := newTestGatherer(t, Options{
		Config: performance.CollectionConfig{Interval: 50 * time.Millisecond},
		Output: path,
	}, disk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	time.Sleep(80 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "cancellation is a clean stop")
	case <-time.After(2 * time.Second):
		t.Fatal("gatherer did not stop after cancel")
	}
}

func TestGathererAppliesIntervalReload(t *testing.T) {
	disk := &stubCollector{metricType: performance.MetricTypeDisk, name: "disk"}
	g := newTestGatherer(t, Options{
		Config: performance.CollectionConfig{Interval: 5 * time.Second},
	}, disk)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	g.applyConfig(config.File{Interval: config.Duration(10 * time.Second)}, ticker)
	assert.Equal(t, 10*time.Second, g.config.Interval)

	// Reloads that do not touch the interval leave it alone.
	g.applyConfig(config.File{TopK: 20}, ticker)
	assert.Equal(t, 10*time.Second, g.config.Interval)
}

func TestDefaultOutputName(t *testing.T) {
	name := DefaultOutputName(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))
	assert.True(t, strings.HasPrefix(name, "serverstats_grab"), name)
	assert.True(t, strings.HasSuffix(name, ".dat"), name)
	if strings.Contains(name, "-") {
		assert.Contains(t, name, "2026-03-14_09-30-00")
	}
}
