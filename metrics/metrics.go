// Package metrics keeps a bounded in-process history of service measurements:
// prediction latency and outcome per subject, and registry load timings.
package metrics

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"riskscreen/registry"
)

type Type string

const (
	TypeCounter   Type = "counter"
	TypeGauge     Type = "gauge"
	TypeHistogram Type = "histogram"
)

const (
	PredictionLatency = "prediction_latency_ms"
	PredictionErrors  = "prediction_errors"
	ModelLoadDuration = "model_load_ms"
	RegistryEvents    = "registry_events"
)

// DefaultHistory is how many samples are kept per metric name.
const DefaultHistory = 1000

type Metric struct {
	Name      string            `json:"name"`
	Type      Type              `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type Summary struct {
	Name    string    `json:"name"`
	Count   int       `json:"count"`
	Latest  float64   `json:"latest"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	Average float64   `json:"average"`
	P95     float64   `json:"p95"`
	Updated time.Time `json:"updated"`
}

// Snapshot is the payload of the admin metrics endpoint.
type Snapshot struct {
	Uptime     string                        `json:"uptime"`
	Goroutines int                           `json:"goroutines"`
	HeapAlloc  uint64                        `json:"heap_alloc_bytes"`
	NumGC      uint32                        `json:"gc_count"`
	Metrics    map[string]Summary            `json:"metrics"`
	BySubject  map[string]map[string]Summary `json:"by_subject"`
}

// Collector is safe for concurrent use. Each metric name keeps its newest
// samples only.
type Collector struct {
	mu      sync.RWMutex
	series  map[string][]Metric
	history int
	start   time.Time
	now     func() time.Time
}

func NewCollector(history int) *Collector {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Collector{
		series:  make(map[string][]Metric),
		history: history,
		start:   time.Now(),
		now:     time.Now,
	}
}

func (c *Collector) Record(m Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m.Timestamp = c.now()
	samples := append(c.series[m.Name], m)
	if len(samples) > c.history {
		samples = append([]Metric(nil), samples[len(samples)-c.history:]...)
	}
	c.series[m.Name] = samples
}

// ObservePrediction records one predict or what-if call.
func (c *Collector) ObservePrediction(subject string, took time.Duration, err error) {
	labels := map[string]string{"subject": subject}
	c.Record(Metric{
		Name:   PredictionLatency,
		Type:   TypeHistogram,
		Value:  float64(took) / float64(time.Millisecond),
		Labels: labels,
	})
	if err != nil {
		c.Record(Metric{Name: PredictionErrors, Type: TypeCounter, Value: 1, Labels: labels})
	}
}

// OnEvent implements registry.Listener.
func (c *Collector) OnEvent(e registry.Event) {
	c.Record(Metric{
		Name:   RegistryEvents,
		Type:   TypeCounter,
		Value:  1,
		Labels: map[string]string{"type": string(e.Type), "subject": e.Subject},
	})
	switch e.Type {
	case registry.EventModelLoaded, registry.EventModelFailed:
		c.Record(Metric{
			Name:   ModelLoadDuration,
			Type:   TypeHistogram,
			Value:  float64(e.Duration) / float64(time.Millisecond),
			Labels: map[string]string{"subject": e.Subject, "format": e.Format},
		})
	}
}

// Series returns a copy of the samples recorded under name, oldest first.
func (c *Collector) Series(name string) ([]Metric, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	samples, ok := c.series[name]
	if !ok {
		return nil, fmt.Errorf("metric %s not found", name)
	}
	return append([]Metric(nil), samples...), nil
}

func (c *Collector) Summary(name string) (Summary, error) {
	samples, err := c.Series(name)
	if err != nil {
		return Summary{}, err
	}
	return summarize(name, samples), nil
}

// SummaryBy groups the samples of name by the value of one label.
func (c *Collector) SummaryBy(name, label string) map[string]Summary {
	samples, _ := c.Series(name)
	groups := make(map[string][]Metric)
	for _, m := range samples {
		key := m.Labels[label]
		groups[key] = append(groups[key], m)
	}
	out := make(map[string]Summary, len(groups))
	for key, group := range groups {
		out[key] = summarize(name, group)
	}
	return out
}

func (c *Collector) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.mu.RLock()
	names := make([]string, 0, len(c.series))
	for name := range c.series {
		names = append(names, name)
	}
	c.mu.RUnlock()

	snap := Snapshot{
		Uptime:     c.now().Sub(c.start).Truncate(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		NumGC:      mem.NumGC,
		Metrics:    make(map[string]Summary, len(names)),
		BySubject:  make(map[string]map[string]Summary),
	}
	for _, name := range names {
		if s, err := c.Summary(name); err == nil {
			snap.Metrics[name] = s
		}
		snap.BySubject[name] = c.SummaryBy(name, "subject")
	}
	return snap
}

func summarize(name string, samples []Metric) Summary {
	s := Summary{Name: name, Count: len(samples)}
	if len(samples) == 0 {
		return s
	}

	values := make([]float64, len(samples))
	sum := 0.0
	s.Min, s.Max = samples[0].Value, samples[0].Value
	for i, m := range samples {
		values[i] = m.Value
		sum += m.Value
		s.Min = min(s.Min, m.Value)
		s.Max = max(s.Max, m.Value)
	}
	last := samples[len(samples)-1]
	s.Latest, s.Updated = last.Value, last.Timestamp
	s.Average = sum / float64(len(samples))

	sort.Float64s(values)
	// nearest-rank
	rank := (95*len(values) + 99) / 100
	s.P95 = values[rank-1]
	return s
}
