package obs

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsSnapshot(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)

	m.Begin(t.Context())
	assert.Equal(t, int64(1), m.Snapshot().InFlight)
	m.ObserveMessage(t.Context(), "StartAnalysis", ResultSuccess, 2*time.Millisecond)
	m.End(t.Context())

	m.ObserveMessage(t.Context(), "StartAnalysis", ResultSuccess, 4*time.Millisecond)
	m.ObserveMessage(t.Context(), "StartAnalysis", ResultException, time.Millisecond)
	m.IncQueueDrop()
	m.IncFeedReconnect()

	snap := m.Snapshot()
	assert.Equal(t, int64(0), snap.InFlight)
	assert.Equal(t, uint64(1), snap.QueueDrops)
	assert.Equal(t, uint64(1), snap.FeedReconnects)
	assert.Equal(t, uint64(2), snap.Count("StartAnalysis", ResultSuccess))
	assert.Equal(t, uint64(1), snap.Count("StartAnalysis", ResultException))
	assert.Equal(t, uint64(0), snap.Count("StopAnalysis", ResultSuccess))

	require.Len(t, snap.Operations, 2)
	assert.Equal(t, ResultException, snap.Operations[0].Result)
	ok := snap.Operations[1].Latency
	assert.Equal(t, 2*time.Millisecond, ok.Min)
	assert.Equal(t, 4*time.Millisecond, ok.Max)
	assert.Equal(t, 3*time.Millisecond, ok.Avg)
}

func TestMetricsNilReceiver(t *testing.T) {
	var m *Metrics
	m.Begin(t.Context())
	m.End(t.Context())
	m.ObserveMessage(t.Context(), "x", ResultSuccess, time.Second)
	m.IncQueueDrop()
	assert.Equal(t, Snapshot{}, m.Snapshot())
}

func TestMetricsConcurrentObserve(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				m.Begin(t.Context())
				m.ObserveMessage(t.Context(), "OnTick", ResultSuccess, time.Microsecond)
				m.End(t.Context())
			}
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Equal(t, uint64(4000), snap.Count("OnTick", ResultSuccess))
	assert.Equal(t, int64(0), snap.InFlight)
}

func TestMetricsExportsOpenTelemetryInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(t.Context())

	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	m.Begin(t.Context())
	m.ObserveMessage(t.Context(), "StopAnalysis", ResultException, 5*time.Millisecond)
	m.End(t.Context())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))

	seen := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			seen[md.Name] = true
			switch data := md.Data.(type) {
			case metricdata.Sum[int64]:
				if md.Name == MetricProcessedCount {
					require.Len(t, data.DataPoints, 1)
					dp := data.DataPoints[0]
					assert.Equal(t, int64(1), dp.Value)
					v, ok := dp.Attributes.Value(LabelResult)
					require.True(t, ok)
					assert.Equal(t, ResultException, v.AsString())
				}
				if md.Name == MetricInFlight {
					require.Len(t, data.DataPoints, 1)
					assert.Equal(t, int64(0), data.DataPoints[0].Value)
				}
			case metricdata.Histogram[float64]:
				require.Len(t, data.DataPoints, 1)
				assert.Equal(t, uint64(1), data.DataPoints[0].Count)
			}
		}
	}

	assert.True(t, seen[MetricProcessingDuration])
	assert.True(t, seen[MetricProcessedCount])
	assert.True(t, seen[MetricInFlight])
}

func TestTraceGenerator(t *testing.T) {
	g := NewTraceGenerator("node-1")
	a, b := g.Next(), g.Next()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "node-1-"))

	var nilGen *TraceGenerator
	assert.Empty(t, nilGen.Next())
	assert.NotContains(t, NewTraceGenerator("").Next(), "-")
}
