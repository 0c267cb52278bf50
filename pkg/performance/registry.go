// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"sort"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// NewPointCollector creates a collector instance with the provided logger
// and configuration.
type NewPointCollector func(logr.Logger, CollectionConfig) (PointCollector, error)

var (
	registry       = make(map[MetricType]NewPointCollector)
	registryLogger = stdr.New(log.New(os.Stderr, "[performance.registry] ", log.LstdFlags))
)

// Register adds a NewPointCollector factory to the global registry for
// metricType.
//
// This function is usually called during package initialization (typically in
// init() functions) to register collector implementations before they can be
// instantiated by the capture front ends.
//
// On non-Linux platforms, this is a no-op to allow unit tests to run on
// macOS/Windows. It will panic if a collector for the given metricType is
// already registered on Linux.
func Register(metricType MetricType, collector NewPointCollector) {
	// No-op on non-Linux platforms
	if runtime.GOOS != "linux" {
		registryLogger.V(1).Info("Skipping collector registration on non-Linux platform",
			"metric_type", metricType, "platform", runtime.GOOS)
		return
	}

	_, exists := registry[metricType]
	if exists {
		panic(fmt.Sprintf("Collector for %s already registered", metricType))
	}
	registry[metricType] = collector
}

// GetCollector retrieves the collector factory function from the global
// registry for metricType.
func GetCollector(metricType MetricType) (NewPointCollector, error) {
	collector, exists := registry[metricType]
	if !exists {
		return nil, fmt.Errorf("Collector for %s not found", metricType)
	}
	return collector, nil
}

// GetAvailableCollectors returns the metric types with a registered
// collector, sorted for stable iteration.
func GetAvailableCollectors() []MetricType {
	types := make([]MetricType, 0, len(registry))
	for metricType := range registry {
		types = append(types, metricType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// SetRegistryLogger allows setting a custom logger for the registry.
// This should be called before any collectors are registered.
func SetRegistryLogger(logger logr.Logger) {
	registryLogger = logger
}
