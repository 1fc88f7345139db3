// Copyright 2026 The gVisor Authors.
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

// Package metric provides process-wide counters and gauges for the memory
// subsystem, exported in the Prometheus text exposition format.
package metric

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ExporterPrefix is prepended to every exported metric name.
const ExporterPrefix = "lazyvm_"

// Type is the Prometheus type of a metric.
type Type int

// Supported metric types.
const (
	TypeCounter Type = iota
	TypeGauge
)

func (t Type) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to
// be monitored.
type Uint64Metric struct {
	name  string
	help  string
	typ   Type
	value atomic.Uint64
}

var (
	// registryMu protects registry.
	registryMu sync.Mutex

	// registry is the set of all registered metrics, by name.
	registry = make(map[string]*Uint64Metric)
)

func register(m *Uint64Metric) error {
	if m.name == "" || strings.ContainsAny(m.name, " \n\t{}") {
		return fmt.Errorf("invalid metric name %q", m.name)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[m.name]; ok {
		return fmt.Errorf("metric %q already registered", m.name)
	}
	registry[m.name] = m
	return nil
}

// NewUint64Metric creates and registers a new counter.
func NewUint64Metric(name, help string) (*Uint64Metric, error) {
	m := &Uint64Metric{name: name, help: help, typ: TypeCounter}
	if err := register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, help string) *Uint64Metric {
	m, err := NewUint64Metric(name, help)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %v", name, err))
	}
	return m
}

// MustCreateNewUint64Gauge creates and registers a gauge, which may go down
// as well as up, and panics on error.
func MustCreateNewUint64Gauge(name, help string) *Uint64Metric {
	m := &Uint64Metric{name: name, help: help, typ: TypeGauge}
	if err := register(m); err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %v", name, err))
	}
	return m
}

// Name returns the metric name without the exporter prefix.
func (m *Uint64Metric) Name() string { return m.name }

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

// Decrement decrements a gauge by 1. It panics on counters.
func (m *Uint64Metric) Decrement() {
	if m.typ != TypeGauge {
		panic(fmt.Sprintf("metric %q: Decrement on a counter", m.name))
	}
	m.value.Add(^uint64(0))
}

// Set sets a gauge to v. It panics on counters.
func (m *Uint64Metric) Set(v uint64) {
	if m.typ != TypeGauge {
		panic(fmt.Sprintf("metric %q: Set on a counter", m.name))
	}
	m.value.Store(v)
}

// Snapshot returns the current value of every registered metric, by name.
func Snapshot() map[string]uint64 {
	registryMu.Lock()
	defer registryMu.Unlock()
	s := make(map[string]uint64, len(registry))
	for name, m := range registry {
		s[name] = m.Value()
	}
	return s
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format, ordered by name.
func WritePrometheus(w io.Writer) error {
	registryMu.Lock()
	metrics := make([]*Uint64Metric, 0, len(registry))
	for _, m := range registry {
		metrics = append(metrics, m)
	}
	registryMu.Unlock()
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].name < metrics[j].name })

	bw := bufio.NewWriter(w)
	for _, m := range metrics {
		if m.help != "" {
			// Only backslashes and line breaks need escaping in HELP.
			help := strings.ReplaceAll(strings.ReplaceAll(m.help, `\`, `\\`), "\n", `\n`)
			fmt.Fprintf(bw, "# HELP %s%s %s\n", ExporterPrefix, m.name, help)
		}
		fmt.Fprintf(bw, "# TYPE %s%s %s\n", ExporterPrefix, m.name, m.typ)
		fmt.Fprintf(bw, "%s%s %d\n", ExporterPrefix, m.name, m.Value())
	}
	return bw.Flush()
}
