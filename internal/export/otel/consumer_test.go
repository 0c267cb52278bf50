// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package otel

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loberman/serverstats/pkg/performance"
)

func testLogger() logr.Logger {
	return logr.Discard()
}

func diskMetric(ts int64, device string) performance.IntervalMetric {
	return performance.IntervalMetric{
		Key:       performance.DiskKey(8, 0, device),
		Name:      device,
		Domain:    performance.MetricTypeDisk,
		Timestamp: ts,
		Interval:  5,
		Disk:      &performance.DiskMetrics{ReadsPerSec: 20},
	}
}

func TestNewConsumerValidatesConfig(t *testing.T) {
	_, err := NewConsumer(Config{}, testLogger())
	assert.ErrorIs(t, err, ErrEndpointRequired)
}

func TestNewConsumerDoesNotConnect(t *testing.T) {
	// An unreachable endpoint must not fail construction; connections only
	// happen in Start.
	consumer, err := NewConsumer(Config{Endpoint: "unreachable.invalid:1"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "otlp", consumer.Name())
}

func TestHandleMetricNeverBlocks(t *testing.T) {
	consumer, err := NewConsumer(Config{Endpoint: "localhost:4317", MaxQueueSize: 4}, testLogger())
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, consumer.HandleMetric(diskMetric(int64(i), "sda")))
	}

	// The buffer holds only the newest metrics.
	assert.Equal(t, 4, consumer.buffer.Len())
	drained := consumer.buffer.Drain()
	require.Len(t, drained, 4)
	assert.Equal(t, int64(96), drained[0].Timestamp, "oldest survivors first")
	assert.Equal(t, int64(99), drained[3].Timestamp)
}

func TestMetricsBufferDrain(t *testing.T) {
	buffer, err := NewMetricsBuffer(8)
	require.NoError(t, err)

	assert.Nil(t, buffer.Drain())

	buffer.Push(diskMetric(1, "sda"))
	buffer.Push(diskMetric(2, "sdb"))

	drained := buffer.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "sda", drained[0].Name)
	assert.Equal(t, "sdb", drained[1].Name)
	assert.Equal(t, 0, buffer.Len(), "drain empties the buffer")
}

func TestMetricsBufferNotify(t *testing.T) {
	buffer, err := NewMetricsBuffer(8)
	require.NoError(t, err)

	notify := buffer.NotifyChannel()
	select {
	case <-notify:
		t.Fatal("no notification expected before any push")
	default:
	}

	buffer.Push(diskMetric(1, "sda"))
	buffer.Push(diskMetric(2, "sda")) // coalesces into the pending signal

	select {
	case <-notify:
	default:
		t.Fatal("expected a notification after push")
	}
}
