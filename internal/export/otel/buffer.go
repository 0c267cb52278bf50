// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package otel

import (
	"sync"

	"github.com/loberman/serverstats/pkg/performance"
	"github.com/loberman/serverstats/pkg/performance/ringbuffer"
)

// MetricsBuffer decouples the capture loop from the export goroutine. Push
// never blocks; when the exporter falls behind, the oldest metrics are
// overwritten, which for gauge-shaped rates loses history rather than
// correctness.
type MetricsBuffer struct {
	rb *ringbuffer.RingBuffer[performance.IntervalMetric]
	mu sync.Mutex

	// Notification channel for new metrics
	notify chan struct{}
}

// NewMetricsBuffer creates a thread-safe metrics buffer.
func NewMetricsBuffer(capacity int) (*MetricsBuffer, error) {
	rb, err := ringbuffer.New[performance.IntervalMetric](capacity)
	if err != nil {
		return nil, err
	}
	return &MetricsBuffer{
		rb:     rb,
		notify: make(chan struct{}, 1), // Buffered to avoid blocking
	}, nil
}

// Push adds a metric, overwriting the oldest if full. Never blocks.
func (b *MetricsBuffer) Push(metric performance.IntervalMetric) {
	b.mu.Lock()
	b.rb.Push(metric)
	b.mu.Unlock()

	// Non-blocking notification
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Drain removes and returns all buffered metrics, oldest first. Returns nil
// when empty.
func (b *MetricsBuffer) Drain() []performance.IntervalMetric {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rb.Len() == 0 {
		return nil
	}
	all := b.rb.GetAll()
	b.rb.Clear()
	return all
}

// NotifyChannel returns a channel that receives a signal when metrics are
// added.
func (b *MetricsBuffer) NotifyChannel() <-chan struct{} {
	return b.notify
}

// Len returns the current number of buffered metrics.
func (b *MetricsBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rb.Len()
}
