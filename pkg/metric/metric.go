// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name does not start with '/'.
	ErrInvalidName = errors.New("metric name must start with '/'")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper maps a combination of field values to a single index.
//
// Values are laid out in row-major order: the last field varies fastest.
type fieldMapper struct {
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	n := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		n *= len(f.allowedValues)
		if n > math.MaxUint32 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{fields: fields, numFieldCombinations: n}, nil
}

// lookup returns the key of the given field values. It panics if the number
// of values is wrong or a value is not allowed.
func (m fieldMapper) lookup(values ...string) int {
	if len(values) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	key := 0
	for i, v := range values {
		allowed := m.fields[i].allowedValues
		idx := -1
		for j, a := range allowed {
			if a == v {
				idx = j
				break
			}
		}
		if idx < 0 {
			panic(fmt.Sprintf("disallowed field value %q for field %q", v, m.fields[i].name))
		}
		key = key*len(allowed) + idx
	}
	return key
}

// keyToValues is the inverse of lookup.
func (m fieldMapper) keyToValues(key int) []string {
	if len(m.fields) == 0 {
		return nil
	}
	values := make([]string, len(m.fields))
	for i := len(m.fields) - 1; i >= 0; i-- {
		allowed := m.fields[i].allowedValues
		values[i] = allowed[key%len(allowed)]
		key /= len(allowed)
	}
	return values
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. All Uint64Metrics are cumulative counters.
type Uint64Metric struct {
	name        string
	description string

	// fields holds one counter per field-value combination.
	fields []atomic.Uint64

	fieldMapper fieldMapper
}

// registry holds the registered metrics, keyed by name.
type registry struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
}

var allMetrics = &registry{metrics: make(map[string]*Uint64Metric)}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	if !strings.HasPrefix(name, "/") {
		return nil, ErrInvalidName
	}
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		fields:      make([]atomic.Uint64, f.numFieldCombinations),
		fieldMapper: f,
	}

	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.metrics[name]; ok {
		return nil, ErrNameInUse
	}
	allMetrics.metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Name returns the metric name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// Snapshot is the value of one field combination of one metric.
type Snapshot struct {
	Name   string
	Fields map[string]string
	Value  uint64
}

// Values returns a snapshot of every registered metric, sorted by name and
// then by field combination.
func Values() []Snapshot {
	allMetrics.mu.Lock()
	names := make([]string, 0, len(allMetrics.metrics))
	for name := range allMetrics.metrics {
		names = append(names, name)
	}
	metrics := make([]*Uint64Metric, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		metrics = append(metrics, allMetrics.metrics[name])
	}
	allMetrics.mu.Unlock()

	var out []Snapshot
	for _, m := range metrics {
		for key := range m.fields {
			s := Snapshot{Name: m.name, Value: m.fields[key].Load()}
			if values := m.fieldMapper.keyToValues(key); values != nil {
				s.Fields = make(map[string]string, len(values))
				for i, v := range values {
					s.Fields[m.fieldMapper.fields[i].name] = v
				}
			}
			out = append(out, s)
		}
	}
	return out
}
