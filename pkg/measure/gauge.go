package measure

import (
	"math"
	"sync/atomic"
)

// Gauge holds a float64 that producers set and the stream reads.
// The zero value is ready to use and reads 0.
type Gauge struct {
	bits atomic.Uint64
}

// Set sets the gauge to v.
func (g *Gauge) Set(v float64) {
	g.bits.Store(math.Float64bits(v))
}

// Add adds delta to the gauge.
func (g *Gauge) Add(delta float64) {
	for {
		old := g.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if g.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Value returns the current value. It satisfies Source.
func (g *Gauge) Value() float64 {
	return math.Float64frombits(g.bits.Load())
}

// Counter is a monotonically increasing float64.
type Counter struct {
	g Gauge
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.g.Add(1)
}

// Add increases the counter by delta. Negative deltas are ignored.
func (c *Counter) Add(delta float64) {
	if delta < 0 {
		return
	}
	c.g.Add(delta)
}

// Value returns the current count. It satisfies Source.
func (c *Counter) Value() float64 {
	return c.g.Value()
}
