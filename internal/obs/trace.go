package obs

import (
	"strconv"
	"sync/atomic"
	"time"
)

// TraceGenerator hands out trace ids that tie a dispatch entry log to its exit log.
// Ids are "<prefix>-<hex sequence>" and increase monotonically per generator.
type TraceGenerator struct {
	prefix string
	next   uint64
}

// NewTraceGenerator returns a generator for prefix, seeded from the clock.
func NewTraceGenerator(prefix string) *TraceGenerator {
	return &TraceGenerator{
		prefix: prefix,
		next:   uint64(time.Now().UTC().UnixNano()),
	}
}

// Next returns the next trace id.
func (g *TraceGenerator) Next() string {
	if g == nil {
		return ""
	}
	seq := strconv.FormatUint(atomic.AddUint64(&g.next, 1), 16)
	if g.prefix == "" {
		return seq
	}
	return g.prefix + "-" + seq
}
