package measure

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItem_BindKeepsOrder(t *testing.T) {
	item := NewItem(7, "TALON", "left drive").
		Bind("VALUE", func() float64 { return 1 }).
		Bind("BASE_ID", func() float64 { return 2 }).
		Bind("VALUE", func() float64 { return 3 })

	assert.Equal(t, []Measure{"VALUE", "BASE_ID"}, item.Measures())

	src, ok := item.ValueOf("VALUE")
	require.True(t, ok)
	assert.Equal(t, 3.0, src(), "rebinding should replace the source")

	_, ok = item.ValueOf("JERK")
	assert.False(t, ok)

	assert.Equal(t, Key{Type: "TALON", ID: 7}, KeyOf(item))
}

func TestItem_MeasuresReturnsCopy(t *testing.T) {
	item := NewItem(1, "SERVO", "arm").Bind("ANGLE", func() float64 { return 0 })
	measures := item.Measures()
	measures[0] = "MUTATED"
	assert.Equal(t, []Measure{"ANGLE"}, item.Measures())
}

func TestGauge_ConcurrentAdd(t *testing.T) {
	var g Gauge
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				g.Add(0.5)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 4000.0, g.Value())

	g.Set(-2.5)
	assert.Equal(t, -2.5, g.Value())
}

func TestCounter_IgnoresNegative(t *testing.T) {
	var c Counter
	c.Inc()
	c.Add(2)
	c.Add(-10)
	assert.Equal(t, 3.0, c.Value())
}

func TestRuntimeItem_CachesSnapshot(t *testing.T) {
	item := NewRuntimeItem(0, time.Hour)
	clock := time.Unix(1000, 0)
	item.now = func() time.Time { return clock }

	src, ok := item.ValueOf(Goroutines)
	require.True(t, ok)
	first := src()
	assert.Greater(t, first, 0.0)
	readAt := item.lastRead

	clock = clock.Add(time.Minute)
	src()
	assert.Equal(t, readAt, item.lastRead, "snapshot should be reused inside the refresh window")

	clock = clock.Add(2 * time.Hour)
	src()
	assert.Equal(t, clock, item.lastRead)
}

func TestRuntimeItem_Measures(t *testing.T) {
	item := NewRuntimeItem(3, 0)
	assert.Equal(t, RuntimeType, item.Type())
	for _, m := range item.Measures() {
		src, ok := item.ValueOf(m)
		require.True(t, ok, "measure %s", m)
		assert.GreaterOrEqual(t, src(), 0.0)
	}
	_, ok := item.ValueOf("NOPE")
	assert.False(t, ok)
}
