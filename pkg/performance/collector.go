package performance

import (
	"context"

	"github.com/go-logr/logr"
)

// PointCollector reads one domain's raw counters once per call. Collectors
// never compute deltas; they hand raw snapshots to whoever owns the engine
// so capture, live view and analysis all derive rates the same way.
type PointCollector interface {
	Type() MetricType
	Name() string

	// Collect performs a single collection and returns the domain's
	// snapshots
	Collect(ctx context.Context) ([]Snapshot, error)

	Capabilities() CollectorCapabilities
}

type CollectorCapabilities struct {
	RequiresRoot     bool
	MinKernelVersion string
}

type BasePointCollector struct {
	metricType   MetricType
	name         string
	logger       logr.Logger
	config       CollectionConfig
	capabilities CollectorCapabilities
}

func NewBasePointCollector(metricType MetricType, name string, logger logr.Logger, config CollectionConfig, capabilities CollectorCapabilities) BasePointCollector {
	return BasePointCollector{
		metricType:   metricType,
		name:         name,
		logger:       logger.WithName(string(metricType)),
		config:       config,
		capabilities: capabilities,
	}
}

func (b *BasePointCollector) Type() MetricType {
	return b.metricType
}

func (b *BasePointCollector) Name() string {
	return b.name
}

func (b *BasePointCollector) Capabilities() CollectorCapabilities {
	return b.capabilities
}

func (b *BasePointCollector) Logger() logr.Logger {
	return b.logger
}

func (b *BasePointCollector) Config() CollectionConfig {
	return b.config
}
