// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package otel exports derived interval metrics over OTLP/gRPC. The consumer
// sits behind a ring buffer so a slow or unreachable collector can never
// stall the capture loop.
package otel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	metricSDK "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/loberman/serverstats/internal/gather"
	"github.com/loberman/serverstats/pkg/performance"
)

// Compile-time check
var _ gather.MetricConsumer = (*Consumer)(nil)

const consumerName = "otlp"

type Consumer struct {
	config Config
	logger logr.Logger

	// OpenTelemetry components, initialized in Start
	provider *metricSDK.MeterProvider
	meter    metric.Meter

	// Internal buffering
	buffer *MetricsBuffer

	// Cached instruments
	f64Gauges map[string]metric.Float64Gauge
	i64Gauges map[string]metric.Int64Gauge
	instMu    sync.Mutex

	wg              sync.WaitGroup
	metricsExported atomic.Uint64
	errorsCount     atomic.Uint64
	startTime       time.Time
}

// NewConsumer creates an OTLP metrics consumer. No connection is made here;
// the exporter is built in Start when a context is available.
func NewConsumer(config Config, logger logr.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	buffer, err := NewMetricsBuffer(config.MaxQueueSize)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		config:    config,
		logger:    logger.WithName("otlp-consumer"),
		buffer:    buffer,
		f64Gauges: make(map[string]metric.Float64Gauge),
		i64Gauges: make(map[string]metric.Int64Gauge),
		startTime: time.Now(),
	}, nil
}

// Name identifies the consumer in logs.
func (c *Consumer) Name() string {
	return consumerName
}

// HandleMetric buffers one metric for export. Never blocks; when the buffer
// is full the oldest metric is overwritten.
func (c *Consumer) HandleMetric(metric performance.IntervalMetric) error {
	c.buffer.Push(metric)
	return nil
}

// Start builds the OTLP exporter and launches the export goroutine. The
// exporter setup is retried with exponential backoff up to the configured
// timeout so a collector that is still coming up does not fail the capture.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting OTLP exporter",
		"endpoint", c.config.Endpoint,
		"service_name", c.config.ServiceName,
		"push_interval", c.config.PushInterval)

	exporter, err := c.newExporter(ctx)
	if err != nil {
		return err
	}

	res := resource.NewWithAttributes(
		"",
		semconv.ServiceName(c.config.ServiceName),
		semconv.ServiceVersion(c.config.ServiceVersion),
	)
	c.provider = metricSDK.NewMeterProvider(
		metricSDK.WithReader(metricSDK.NewPeriodicReader(
			exporter,
			metricSDK.WithInterval(c.config.PushInterval),
		)),
		metricSDK.WithResource(res),
	)
	c.meter = c.provider.Meter("github.com/loberman/serverstats")

	c.wg.Add(1)
	go c.processMetrics(ctx)
	return nil
}

// Wait blocks until the export goroutine has flushed and shut down. Callers
// use it after cancelling the capture context so the last interval is not
// lost at process exit.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) newExporter(ctx context.Context) (metricSDK.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(c.config.Endpoint),
		otlpmetricgrpc.WithTimeout(c.config.Timeout),
	}
	if c.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	return backoff.Retry(ctx, func() (metricSDK.Exporter, error) {
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			c.logger.Error(err, "failed to create OTLP exporter, retrying...")
			return nil, err
		}
		return exporter, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(c.config.Timeout))
}

// processMetrics drains the buffer into gauge instruments until ctx ends,
// then flushes what is left and shuts the provider down.
func (c *Consumer) processMetrics(ctx context.Context) {
	defer c.wg.Done()
	defer c.shutdown()

	ticker := time.NewTicker(c.config.PushInterval)
	defer ticker.Stop()

	notify := c.buffer.NotifyChannel()
	for {
		select {
		case <-notify:
			c.record(c.buffer.Drain())
		case <-ticker.C:
			c.record(c.buffer.Drain())
		case <-ctx.Done():
			c.record(c.buffer.Drain())
			return
		}
	}
}

func (c *Consumer) record(batch []performance.IntervalMetric) {
	for i := range batch {
		if err := c.recordOne(&batch[i]); err != nil {
			c.logger.Error(err, "failed to record metric",
				"key", batch[i].Key, "domain", batch[i].Domain)
			c.errorsCount.Add(1)
			continue
		}
		c.metricsExported.Add(1)
	}
}

// recordOne fans one interval metric out into per-quantity gauges. The
// instrument names mirror the analysis table metric names so dashboards and
// offline reports agree on identifiers.
func (c *Consumer) recordOne(m *performance.IntervalMetric) error {
	// Recording is synchronous and there is no trace context to carry.
	ctx := context.Background()

	switch {
	case m.Disk != nil:
		set := metric.WithAttributes(
			attribute.String("entity", string(m.Key)),
			attribute.String("device", m.Name),
		)
		for _, def := range performance.DiskMetricDefs {
			gauge, err := c.float64Gauge("serverstats.disk."+def.Name, def.Label)
			if err != nil {
				return err
			}
			gauge.Record(ctx, def.Value(m), set)
		}

	case m.CPU != nil:
		set := metric.WithAttributes(attribute.String("entity", string(m.Key)))
		cpu := m.CPU
		for name, value := range map[string]float64{
			"serverstats.cpu.user_pct":   cpu.UserPct,
			"serverstats.cpu.nice_pct":   cpu.NicePct,
			"serverstats.cpu.system_pct": cpu.SystemPct,
			"serverstats.cpu.idle_pct":   cpu.IdlePct,
			"serverstats.cpu.iowait_pct": cpu.IOWaitPct,
			"serverstats.cpu.guest_pct":  cpu.GuestPct,
		} {
			gauge, err := c.float64Gauge(name, "CPU time share over the interval")
			if err != nil {
				return err
			}
			gauge.Record(ctx, value, set)
		}
		for name, value := range map[string]uint64{
			"serverstats.cpu.procs_running": cpu.ProcsRunning,
			"serverstats.cpu.procs_blocked": cpu.ProcsBlocked,
		} {
			gauge, err := c.int64Gauge(name, "Scheduler process count")
			if err != nil {
				return err
			}
			gauge.Record(ctx, int64(value), set)
		}

	case m.Memory != nil:
		set := metric.WithAttributes(attribute.String("entity", string(m.Key)))
		mem := m.Memory
		for name, value := range map[string]float64{
			"serverstats.mem.used_pct":   mem.UsedPct,
			"serverstats.mem.avail_pct":  mem.AvailPct,
			"serverstats.mem.cached_pct": mem.CachedPct,
			"serverstats.mem.free_pct":   mem.FreePct,
		} {
			gauge, err := c.float64Gauge(name, "Memory share of MemTotal")
			if err != nil {
				return err
			}
			gauge.Record(ctx, value, set)
		}
		for name, value := range map[string]uint64{
			"serverstats.mem.total_kb": mem.TotalKB,
			"serverstats.mem.used_kb":  mem.UsedKB,
			"serverstats.mem.avail_kb": mem.AvailKB,
		} {
			gauge, err := c.int64Gauge(name, "Memory size in kB")
			if err != nil {
				return err
			}
			gauge.Record(ctx, int64(value), set)
		}

	case m.Network != nil:
		set := metric.WithAttributes(
			attribute.String("entity", string(m.Key)),
			attribute.String("interface", m.Name),
		)
		for _, def := range performance.NetworkMetricDefs {
			gauge, err := c.float64Gauge("serverstats.net."+def.Name, def.Label)
			if err != nil {
				return err
			}
			gauge.Record(ctx, def.Value(m), set)
		}
	}
	return nil
}

func (c *Consumer) float64Gauge(name, description string) (metric.Float64Gauge, error) {
	c.instMu.Lock()
	defer c.instMu.Unlock()
	if gauge, ok := c.f64Gauges[name]; ok {
		return gauge, nil
	}
	gauge, err := c.meter.Float64Gauge(name, metric.WithDescription(description))
	if err != nil {
		return nil, err
	}
	c.f64Gauges[name] = gauge
	return gauge, nil
}

func (c *Consumer) int64Gauge(name, description string) (metric.Int64Gauge, error) {
	c.instMu.Lock()
	defer c.instMu.Unlock()
	if gauge, ok := c.i64Gauges[name]; ok {
		return gauge, nil
	}
	gauge, err := c.meter.Int64Gauge(name, metric.WithDescription(description))
	if err != nil {
		return nil, err
	}
	c.i64Gauges[name] = gauge
	return gauge, nil
}

// shutdown flushes and stops the meter provider. A fresh context is used:
// the capture context is already cancelled by the time we get here and the
// final flush still has to go out.
func (c *Consumer) shutdown() {
	if c.provider != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
		defer cancel()
		if err := c.provider.Shutdown(shutdownCtx); err != nil {
			c.logger.Error(err, "Error shutting down meter provider")
		}
	}

	c.logger.Info("OTLP exporter stopped",
		"metrics_exported", c.metricsExported.Load(),
		"errors", c.errorsCount.Load(),
		"uptime", time.Since(c.startTime))
}
