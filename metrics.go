package webguard

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// InMemoryMetricsCollector implements MetricsCollector with process-local
// maps and a Prometheus text exporter for scraping through the admin
// surface.
type InMemoryMetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]map[string]int64
	gauges     map[string]map[string]float64
	histograms map[string]*histogram
}

type histogram struct {
	sum   float64
	count int64
}

// NewInMemoryMetricsCollector creates an empty collector.
func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		counters:   make(map[string]map[string]int64),
		gauges:     make(map[string]map[string]float64),
		histograms: make(map[string]*histogram),
	}
}

func (m *InMemoryMetricsCollector) IncrementCounter(name string, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters[name] == nil {
		m.counters[name] = make(map[string]int64)
	}
	m.counters[name][labelKey(labels)]++
}

func (m *InMemoryMetricsCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := name + "|" + labelKey(labels)
	h, ok := m.histograms[key]
	if !ok {
		h = &histogram{}
		m.histograms[key] = h
	}
	h.sum += value
	h.count++
}

func (m *InMemoryMetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges[name] == nil {
		m.gauges[name] = make(map[string]float64)
	}
	m.gauges[name][labelKey(labels)] = value
}

// CounterValue returns the current value of a counter, mainly for tests.
func (m *InMemoryMetricsCollector) CounterValue(name string, labels map[string]string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name][labelKey(labels)]
}

// ExportPrometheus renders all collected metrics in Prometheus text format.
func (m *InMemoryMetricsCollector) ExportPrometheus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out strings.Builder
	for _, name := range sortedKeys(m.counters) {
		out.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
		for _, labels := range sortedKeys(m.counters[name]) {
			out.WriteString(fmt.Sprintf("%s %d\n", series(name, labels), m.counters[name][labels]))
		}
	}
	for _, name := range sortedKeys(m.gauges) {
		out.WriteString(fmt.Sprintf("# TYPE %s gauge\n", name))
		for _, labels := range sortedKeys(m.gauges[name]) {
			out.WriteString(fmt.Sprintf("%s %f\n", series(name, labels), m.gauges[name][labels]))
		}
	}
	for _, key := range sortedKeys(m.histograms) {
		h := m.histograms[key]
		name, labels, _ := strings.Cut(key, "|")
		out.WriteString(fmt.Sprintf("# TYPE %s histogram\n", name))
		out.WriteString(fmt.Sprintf("%s %f\n", series(name+"_sum", labels), h.sum))
		out.WriteString(fmt.Sprintf("%s %d\n", series(name+"_count", labels), h.count))
	}
	return out.String()
}

// series renders a metric name with its label set, omitting the braces for
// unlabeled series per the exposition format.
func series(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return strings.Join(parts, ",")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
