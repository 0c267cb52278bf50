// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance

import (
	"context"
	"runtime"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registryTestCollector struct {
	BasePointCollector
}

func (c *registryTestCollector) Collect(ctx context.Context) ([]Snapshot, error) {
	return nil, nil
}

func newRegistryTestFactory(metricType MetricType) NewPointCollector {
	return func(logger logr.Logger, config CollectionConfig) (PointCollector, error) {
		return &registryTestCollector{
			BasePointCollector: NewBasePointCollector(metricType, "test", logger, config, CollectorCapabilities{}),
		}, nil
	}
}

func TestRegisterAndGetCollector(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("registration is a no-op off Linux")
	}

	metricType := MetricType("zz-registry-test")
	Register(metricType, newRegistryTestFactory(metricType))

	factory, err := GetCollector(metricType)
	require.NoError(t, err)

	collector, err := factory(logr.Discard(), DefaultCollectionConfig())
	require.NoError(t, err)
	assert.Equal(t, metricType, collector.Type())
	assert.Equal(t, "test", collector.Name())
}

func TestGetCollectorUnknownType(t *testing.T) {
	_, err := GetCollector(MetricType("zz-never-registered"))
	assert.Error(t, err)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("registration is a no-op off Linux")
	}

	metricType := MetricType("zz-registry-dup")
	Register(metricType, newRegistryTestFactory(metricType))
	assert.Panics(t, func() {
		Register(metricType, newRegistryTestFactory(metricType))
	})
}

func TestGetAvailableCollectorsSorted(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("registration is a no-op off Linux")
	}

	Register(MetricType("zz-sort-b"), newRegistryTestFactory("zz-sort-b"))
	Register(MetricType("zz-sort-a"), newRegistryTestFactory("zz-sort-a"))

	available := GetAvailableCollectors()
	assert.IsNonDecreasing(t, available)
	assert.Contains(t, available, MetricType("zz-sort-a"))
	assert.Contains(t, available, MetricType("zz-sort-b"))
}
