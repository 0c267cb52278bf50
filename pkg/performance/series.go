// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package performance

// Series is the chronologically ordered sequence of interval metrics for one
// entity. Samples arrive in capture order, which is timestamp order within a
// key, and are never mutated after append.
type Series struct {
	Key     EntityKey
	Name    string
	Domain  MetricType
	Samples []IntervalMetric
}

// Mean averages an accessor over the series, 0 for an empty series.
func (s *Series) Mean(value func(*IntervalMetric) float64) float64 {
	if len(s.Samples) == 0 {
		return 0
	}
	var sum float64
	for i := range s.Samples {
		sum += value(&s.Samples[i])
	}
	return sum / float64(len(s.Samples))
}

// Peak returns the maximum of an accessor over the series, 0 for an empty
// series.
func (s *Series) Peak(value func(*IntervalMetric) float64) float64 {
	var peak float64
	for i := range s.Samples {
		if v := value(&s.Samples[i]); v > peak {
			peak = v
		}
	}
	return peak
}

// SeriesAccumulator groups interval metrics into per-entity series. Entity
// enumeration order is first-seen order, which keeps a whole-capture pass
// deterministic without sorting.
type SeriesAccumulator struct {
	order  []EntityKey
	series map[EntityKey]*Series
}

func NewSeriesAccumulator() *SeriesAccumulator {
	return &SeriesAccumulator{
		series: make(map[EntityKey]*Series),
	}
}

// Add appends one interval metric to its entity's series, creating the
// series on first sight.
func (a *SeriesAccumulator) Add(metric IntervalMetric) {
	s, ok := a.series[metric.Key]
	if !ok {
		s = &Series{
			Key:    metric.Key,
			Name:   metric.Name,
			Domain: metric.Domain,
		}
		a.series[metric.Key] = s
		a.order = append(a.order, metric.Key)
	}
	s.Samples = append(s.Samples, metric)
}

// Get returns the series for a key, nil if the key has produced no interval.
func (a *SeriesAccumulator) Get(key EntityKey) *Series {
	return a.series[key]
}

// Keys returns all entity keys in first-seen order.
func (a *SeriesAccumulator) Keys() []EntityKey {
	keys := make([]EntityKey, len(a.order))
	copy(keys, a.order)
	return keys
}

// ByDomain returns the series of one domain in first-seen order.
func (a *SeriesAccumulator) ByDomain(domain MetricType) []*Series {
	var out []*Series
	for _, key := range a.order {
		if s := a.series[key]; s.Domain == domain {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of entities with at least one interval.
func (a *SeriesAccumulator) Len() int {
	return len(a.order)
}
