package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskscreen/registry"
)

func TestSummary(t *testing.T) {
	c := NewCollector(0)
	for i := 1; i <= 20; i++ {
		c.Record(Metric{Name: "x", Type: TypeGauge, Value: float64(i)})
	}

	s, err := c.Summary("x")
	require.NoError(t, err)
	assert.Equal(t, 20, s.Count)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 20.0, s.Max)
	assert.Equal(t, 20.0, s.Latest)
	assert.InDelta(t, 10.5, s.Average, 1e-12)
	assert.Equal(t, 19.0, s.P95)

	_, err = c.Summary("missing")
	assert.Error(t, err)
}

func TestHistoryIsBounded(t *testing.T) {
	c := NewCollector(3)
	for i := 0; i < 10; i++ {
		c.Record(Metric{Name: "x", Value: float64(i)})
	}
	samples, err := c.Series("x")
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, 7.0, samples[0].Value)
	assert.Equal(t, 9.0, samples[2].Value)
}

func TestObservePrediction(t *testing.T) {
	c := NewCollector(0)
	c.ObservePrediction("diabetes", 20*time.Millisecond, nil)
	c.ObservePrediction("diabetes", 40*time.Millisecond, errors.New("boom"))
	c.ObservePrediction("heart", 10*time.Millisecond, nil)

	by := c.SummaryBy(PredictionLatency, "subject")
	assert.Equal(t, 2, by["diabetes"].Count)
	assert.InDelta(t, 30, by["diabetes"].Average, 1e-9)
	assert.Equal(t, 1, by["heart"].Count)

	errs, err := c.Summary(PredictionErrors)
	require.NoError(t, err)
	assert.Equal(t, 1, errs.Count)
}

func TestOnEvent(t *testing.T) {
	c := NewCollector(0)
	var l registry.Listener = c
	l.OnEvent(registry.Event{Type: registry.EventModelLoaded, Subject: "diabetes", Format: "json", Duration: 5 * time.Millisecond})
	l.OnEvent(registry.Event{Type: registry.EventCacheCleared})

	loads, err := c.Summary(ModelLoadDuration)
	require.NoError(t, err)
	assert.Equal(t, 1, loads.Count)
	assert.InDelta(t, 5, loads.Latest, 1e-9)

	events, err := c.Summary(RegistryEvents)
	require.NoError(t, err)
	assert.Equal(t, 2, events.Count)
}

func TestSnapshot(t *testing.T) {
	c := NewCollector(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ObservePrediction("diabetes", time.Millisecond, nil)
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, 8, snap.Metrics[PredictionLatency].Count)
	assert.Equal(t, 8, snap.BySubject[PredictionLatency]["diabetes"].Count)
	assert.Positive(t, snap.Goroutines)
	assert.NotEmpty(t, snap.Uptime)
}
