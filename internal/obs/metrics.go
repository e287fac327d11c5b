package obs

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	MetricProcessingDuration = "message_processing_duration"
	MetricProcessedCount     = "message_processed_count_total"
	MetricInFlight           = "messages_currently_processing"

	LabelResult    = "result"
	LabelOperation = "operation"

	ResultSuccess   = "success"
	ResultException = "exception"
)

const meterName = "grainmesh/dispatch"

// Metrics records message dispatch through OpenTelemetry instruments and keeps
// an in-process copy for the ops endpoint.
type Metrics struct {
	duration  metric.Float64Histogram
	processed metric.Int64Counter
	inFlight  metric.Int64UpDownCounter

	current    int64
	queueDrops uint64
	reconnects uint64
	mu         sync.RWMutex
	operations map[OperationKey]*LatencyStats
}

// OperationKey labels one dispatch series.
type OperationKey struct {
	Operation string
	Result    string
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// OperationSnapshot is one labelled series.
type OperationSnapshot struct {
	Operation string          `json:"operation"`
	Result    string          `json:"result"`
	Latency   LatencySnapshot `json:"latency"`
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	InFlight       int64               `json:"inFlight"`
	QueueDrops     uint64              `json:"queueDrops"`
	FeedReconnects uint64              `json:"feedReconnects"`
	Operations     []OperationSnapshot `json:"operations"`
}

// NewMetrics builds the instruments on meter. A nil meter uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	duration, err := meter.Float64Histogram(MetricProcessingDuration,
		metric.WithDescription("Message processing duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	processed, err := meter.Int64Counter(MetricProcessedCount,
		metric.WithDescription("Number of processed messages"),
	)
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter(MetricInFlight,
		metric.WithDescription("Messages being processed right now"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		duration:   duration,
		processed:  processed,
		inFlight:   inFlight,
		operations: make(map[OperationKey]*LatencyStats),
	}, nil
}

// Begin marks a message as in flight.
func (m *Metrics) Begin(ctx context.Context) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.current, 1)
	m.inFlight.Add(ctx, 1)
}

// End clears the in-flight mark set by Begin.
func (m *Metrics) End(ctx context.Context) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.current, -1)
	m.inFlight.Add(ctx, -1)
}

// ObserveMessage records one processed message.
func (m *Metrics) ObserveMessage(ctx context.Context, operation, result string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(LabelResult, result),
		attribute.String(LabelOperation, operation),
	)
	m.duration.Record(ctx, d.Seconds(), attrs)
	m.processed.Add(ctx, 1, attrs)

	m.stats(OperationKey{Operation: operation, Result: result}).Observe(d)
}

// IncQueueDrop records an item dropped by a full queue.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// IncFeedReconnect records a feed reconnect attempt.
func (m *Metrics) IncFeedReconnect() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.reconnects, 1)
}

func (m *Metrics) stats(key OperationKey) *LatencyStats {
	m.mu.RLock()
	s, ok := m.operations[key]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.operations[key]; !ok {
		s = &LatencyStats{}
		m.operations[key] = s
	}
	return s
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.RLock()
	ops := make([]OperationSnapshot, 0, len(m.operations))
	for key, s := range m.operations {
		ops = append(ops, OperationSnapshot{
			Operation: key.Operation,
			Result:    key.Result,
			Latency:   s.Snapshot(),
		})
	}
	m.mu.RUnlock()

	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Operation != ops[j].Operation {
			return ops[i].Operation < ops[j].Operation
		}
		return ops[i].Result < ops[j].Result
	})

	return Snapshot{
		InFlight:       atomic.LoadInt64(&m.current),
		QueueDrops:     atomic.LoadUint64(&m.queueDrops),
		FeedReconnects: atomic.LoadUint64(&m.reconnects),
		Operations:     ops,
	}
}

// Count returns how many messages were recorded for operation and result.
func (s Snapshot) Count(operation, result string) uint64 {
	for _, op := range s.Operations {
		if op.Operation == operation && op.Result == result {
			return op.Latency.Count
		}
	}
	return 0
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(sum / count),
	}
}
