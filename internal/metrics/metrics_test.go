package metrics

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSeriesKeySortsTags(t *testing.T) {
	t.Parallel()

	a := seriesKey("m", Tags{"b": "2", "a": "1"})
	b := seriesKey("m", Tags{"a": "1", "b": "2"})
	require.Equal(t, a, b)
	require.Equal(t, "m|a=1|b=2", a)
}

func TestCounterMonotonic(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.IncrementCounter(MetricInvocations, 1, Tags{"status": "success"})
	c.IncrementCounter(MetricInvocations, 2, Tags{"status": "success"})
	c.IncrementCounter(MetricInvocations, -5, Tags{"status": "success"})

	snap := c.Flush()
	key := seriesKey(MetricInvocations, Tags{"status": "success"})
	require.Equal(t, float64(3), snap.Counters[key])
}

func TestGaugeSetAndAdd(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	c.RecordGauge(MetricConnectionsActive, 3, nil)
	c.AddGauge(MetricConnectionsActive, 2, nil)
	c.AddGauge(MetricConnectionsActive, -4, nil)

	snap := c.Flush()
	require.Equal(t, float64(1), snap.Gauges[MetricConnectionsActive])
}

func TestHistogramSummaryStats(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	for i := 1; i <= 100; i++ {
		c.RecordHistogram("latency", float64(i), nil)
	}

	snap := c.Flush()
	require.Len(t, snap.Histograms, 1)

	h := snap.Histograms[0]
	require.Equal(t, uint64(100), h.Count)
	require.Equal(t, float64(5050), h.Sum)
	require.Equal(t, float64(50.5), h.Mean)
	require.Equal(t, float64(1), h.Min)
	require.Equal(t, float64(100), h.Max)
	require.Equal(t, float64(50), h.P50)
	require.Equal(t, float64(95), h.P95)
	require.Equal(t, float64(99), h.P99)

	// Reservoirs reset on flush; counts restart.
	c.RecordHistogram("latency", 7, nil)
	snap = c.Flush()
	require.Equal(t, uint64(1), snap.Histograms[0].Count)
}

// TestHistogramReservoirBounded verifies memory stays bounded no matter how
// many values are recorded, while count/sum stay exact.
func TestHistogramReservoirBounded(t *testing.T) {
	t.Parallel()

	c := NewCollector(WithReservoirSize(64))
	for i := 0; i < 10_000; i++ {
		c.RecordHistogram("big", float64(i), nil)
	}

	c.mu.Lock()
	h := c.histograms[seriesKey("big", nil)]
	require.LessOrEqual(t, len(h.reservoir), 64)
	c.mu.Unlock()

	snap := c.Flush()
	require.Equal(t, uint64(10_000), snap.Histograms[0].Count)
}

func TestCollectorConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := NewCollector()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c.IncrementCounter("n", 1, nil)
				c.RecordHistogram("h", float64(i), nil)
				c.AddGauge("g", 1, nil)
			}
		}(g)
	}
	wg.Wait()

	snap := c.Flush()
	require.Equal(t, float64(8000), snap.Counters["n"])
	require.Equal(t, uint64(8000), snap.Histograms[0].Count)
}

// TestPercentileNearestRank pins the nearest-rank definition with a property
// over arbitrary sample sets.
func TestPercentileNearestRank(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 200).Draw(t, "n")

		c := NewCollector()
		for i := 1; i <= n; i++ {
			c.RecordHistogram("p", float64(i), nil)
		}

		h := c.Flush().Histograms[0]

		// With distinct values 1..n fully resident in the reservoir,
		// the p-quantile is the ceil(p*n)-th value.
		expect := func(p float64) float64 {
			return math.Ceil(p * float64(n))
		}
		require.Equal(t, expect(0.50), h.P50,
			fmt.Sprintf("n=%d", n))
		require.Equal(t, expect(0.95), h.P95)
	})
}
