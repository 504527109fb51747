package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/grapher/pkg/inventory"
	"github.com/nicktill/grapher/pkg/measure"
)

func TestSimulation_ItemsAreDistinct(t *testing.T) {
	sim := newSimulation()
	items := sim.Items()

	seen := make(map[measure.Key]bool)
	for _, item := range items {
		key := measure.KeyOf(item)
		assert.False(t, seen[key], "duplicate item %v", key)
		seen[key] = true
	}

	inv := inventory.New(items)
	assert.Empty(t, inv.Divergent())
}

func TestSimulation_Advance(t *testing.T) {
	sim := newSimulation()

	sim.advance(1.0, 0.01)
	src, ok := sim.left.item.ValueOf("VALUE")
	require.True(t, ok)
	assert.InDelta(t, 0.8, src(), 1e-9)

	base, ok := sim.right.item.ValueOf("BASE_ID")
	require.True(t, ok)
	assert.Equal(t, 2.0, base())

	// Limit switch closes for the first second of every four.
	sim.advance(0.5, 0.01)
	assert.Equal(t, 1.0, sim.limitClosed.Value())
	sim.advance(2.0, 0.01)
	assert.Equal(t, 0.0, sim.limitClosed.Value())
	assert.Equal(t, 2.0, sim.ticks.Value())
}

func TestSimulation_RunStopsOnCancel(t *testing.T) {
	sim := newSimulation()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sim.Run(ctx, time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("simulation did not stop")
	}
}
