// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package gather

import (
	"context"

	"github.com/loberman/serverstats/pkg/performance"
)

// MetricConsumer receives derived interval metrics live during a capture.
// Exporters implement this; the gatherer feeds them from the same snapshot
// stream it writes to the capture file, so exported rates match what a
// later replay of the file computes.
type MetricConsumer interface {
	// Name identifies the consumer in logs.
	Name() string
	// Start launches background machinery. Consumers stop when ctx ends.
	Start(ctx context.Context) error
	// HandleMetric takes one derived metric. It must not block on slow
	// sinks; buffer or drop instead.
	HandleMetric(metric performance.IntervalMetric) error
}
