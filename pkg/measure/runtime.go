package measure

import (
	"runtime"
	"sync"
	"time"

	"github.com/nicktill/grapher/pkg/config"
)

// RuntimeType is the item type of RuntimeItem.
const RuntimeType = "GO_RUNTIME"

// Runtime measures.
const (
	Goroutines     Measure = "GOROUTINES"
	HeapBytes      Measure = "HEAP_BYTES"
	StackBytes     Measure = "STACK_BYTES"
	SysBytes       Measure = "SYS_BYTES"
	GCCount        Measure = "GC_COUNT"
	GCPauseSeconds Measure = "GC_PAUSE_SECONDS"
)

var runtimeMeasures = []Measure{Goroutines, HeapBytes, StackBytes, SysBytes, GCCount, GCPauseSeconds}

// RuntimeItem exposes Go runtime statistics of the host process.
// runtime.ReadMemStats stops the world, so a snapshot is reused for up to
// the refresh interval no matter how many measures are streamed.
type RuntimeItem struct {
	id      int
	refresh time.Duration
	now     func() time.Time

	mu         sync.Mutex
	lastRead   time.Time
	mem        runtime.MemStats
	goroutines int
}

// NewRuntimeItem creates a runtime item. A zero refresh uses
// config.RuntimeRefresh.
func NewRuntimeItem(id int, refresh time.Duration) *RuntimeItem {
	if refresh <= 0 {
		refresh = config.RuntimeRefresh
	}
	return &RuntimeItem{
		id:      id,
		refresh: refresh,
		now:     time.Now,
	}
}

// ID implements Measurable.
func (r *RuntimeItem) ID() int { return r.id }

// Type implements Measurable.
func (r *RuntimeItem) Type() string { return RuntimeType }

// Description implements Measurable.
func (r *RuntimeItem) Description() string { return "Go runtime" }

// Measures implements Measurable.
func (r *RuntimeItem) Measures() []Measure {
	out := make([]Measure, len(runtimeMeasures))
	copy(out, runtimeMeasures)
	return out
}

// ValueOf implements Measurable.
func (r *RuntimeItem) ValueOf(m Measure) (Source, bool) {
	var pick func(*runtime.MemStats, int) float64
	switch m {
	case Goroutines:
		pick = func(_ *runtime.MemStats, g int) float64 { return float64(g) }
	case HeapBytes:
		pick = func(s *runtime.MemStats, _ int) float64 { return float64(s.HeapAlloc) }
	case StackBytes:
		pick = func(s *runtime.MemStats, _ int) float64 { return float64(s.StackInuse) }
	case SysBytes:
		pick = func(s *runtime.MemStats, _ int) float64 { return float64(s.Sys) }
	case GCCount:
		pick = func(s *runtime.MemStats, _ int) float64 { return float64(s.NumGC) }
	case GCPauseSeconds:
		pick = func(s *runtime.MemStats, _ int) float64 { return float64(s.PauseTotalNs) / 1e9 }
	default:
		return nil, false
	}
	return func() float64 {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.refreshLocked()
		return pick(&r.mem, r.goroutines)
	}, true
}

// refreshLocked re-reads runtime statistics when the snapshot is stale.
func (r *RuntimeItem) refreshLocked() {
	now := r.now()
	if !r.lastRead.IsZero() && now.Sub(r.lastRead) < r.refresh {
		return
	}
	runtime.ReadMemStats(&r.mem)
	r.goroutines = runtime.NumGoroutine()
	r.lastRead = now
}
