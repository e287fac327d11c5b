package analysis

import (
	"time"

	"grainmesh/internal/market"
)

const HistoryCapacity = 10_000

// History is a fixed-size ring of ticks in arrival order. Appending to a full ring
// evicts the oldest tick.
type History struct {
	data     []market.PriceTick
	capacity int
	index    int
	size     int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = HistoryCapacity
	}
	return &History{data: make([]market.PriceTick, capacity), capacity: capacity}
}

func (h *History) Append(t market.PriceTick) {
	h.data[h.index] = t
	h.index = (h.index + 1) % h.capacity
	if h.size < h.capacity {
		h.size++
	}
}

func (h *History) Len() int {
	return h.size
}

func (h *History) Cap() int {
	return h.capacity
}

func (h *History) Reset() {
	clear(h.data)
	h.index = 0
	h.size = 0
}

// Last returns the newest tick.
func (h *History) Last() (market.PriceTick, bool) {
	if h.size == 0 {
		return market.PriceTick{}, false
	}
	return h.data[(h.index-1+h.capacity)%h.capacity], true
}

// All returns every tick, oldest first.
func (h *History) All() []market.PriceTick {
	return h.Range(time.Time{}, time.Time{})
}

// Range returns the ticks with from <= timestamp <= to, oldest first. A zero bound is open.
func (h *History) Range(from, to time.Time) []market.PriceTick {
	out := make([]market.PriceTick, 0, h.size)
	start := (h.index - h.size + h.capacity) % h.capacity
	for i := 0; i < h.size; i++ {
		t := h.data[(start+i)%h.capacity]
		if !from.IsZero() && t.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && t.Timestamp.After(to) {
			continue
		}
		out = append(out, t)
	}
	return out
}
