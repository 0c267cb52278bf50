// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ringbuffer provides a fixed-capacity overwrite-oldest buffer for
// metric fan-out paths that must never block or grow. It is not safe for
// concurrent use; callers own the locking.
package ringbuffer

import "fmt"

// RingBuffer is a fixed-size circular buffer. Push never fails and never
// allocates; once full, the oldest element is overwritten.
type RingBuffer[T any] struct {
	buf   []T
	head  int // index of the oldest element
	count int
}

// New creates a RingBuffer with the given capacity.
func New[T any](capacity int) (*RingBuffer[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring buffer capacity must be positive, got %d", capacity)
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}, nil
}

// Push appends v, overwriting the oldest element when full.
func (r *RingBuffer[T]) Push(v T) {
	tail := (r.head + r.count) % len(r.buf)
	r.buf[tail] = v
	if r.count < len(r.buf) {
		r.count++
		return
	}
	r.head = (r.head + 1) % len(r.buf)
}

// GetAll returns the buffered elements oldest first. The returned slice is
// freshly allocated; the buffer contents are untouched.
func (r *RingBuffer[T]) GetAll() []T {
	if r.count == 0 {
		return nil
	}
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Clear empties the buffer. Element storage is kept and zeroed so pointers
// inside old elements do not pin memory.
func (r *RingBuffer[T]) Clear() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.count = 0
}

// Len returns the number of buffered elements.
func (r *RingBuffer[T]) Len() int { return r.count }

// Cap returns the buffer capacity.
func (r *RingBuffer[T]) Cap() int { return len(r.buf) }
