package main

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/nicktill/grapher/pkg/measure"
)

const simulationStep = 10 * time.Millisecond

// motor simulates a motor controller following a sinusoidal demand.
type motor struct {
	item     *measure.Item
	phase    float64
	output   measure.Gauge
	velocity measure.Gauge
	current  measure.Gauge
}

func newMotor(id int, description string, phase float64) *motor {
	m := &motor{phase: phase}
	m.item = measure.NewItem(id, "TALON", description).
		Bind("VALUE", m.output.Value).
		Bind("BASE_ID", func() float64 { return float64(id) }).
		Bind("VELOCITY", m.velocity.Value).
		Bind("CURRENT", m.current.Value)
	return m
}

// simulation drives a small set of fake devices.
type simulation struct {
	left, right *motor
	accel       *measure.Item
	accelX      measure.Gauge
	accelY      measure.Gauge
	jerk        measure.Gauge
	limit       *measure.Item
	limitClosed measure.Gauge
	ticks       measure.Counter

	rng   *rand.Rand
	lastY float64
}

func newSimulation() *simulation {
	s := &simulation{
		left:  newMotor(1, "Left drive", 0),
		right: newMotor(2, "Right drive", math.Pi/8),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.accel = measure.NewItem(0, "ACCELEROMETER", "Chassis accelerometer").
		Bind("X", s.accelX.Value).
		Bind("Y", s.accelY.Value).
		Bind("JERK", s.jerk.Value)
	s.limit = measure.NewItem(9, "DIGITAL_INPUT", "Elevator lower limit").
		Bind("CLOSED", s.limitClosed.Value).
		Bind("TRANSITIONS", s.ticks.Value)
	return s
}

// Items returns the simulated devices in registration order.
func (s *simulation) Items() []measure.Measurable {
	return []measure.Measurable{s.left.item, s.right.item, s.accel, s.limit}
}

// Run advances the simulation every step until ctx is done.
func (s *simulation) Run(ctx context.Context, step time.Duration) {
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.advance(now.Sub(start).Seconds(), step.Seconds())
		}
	}
}

// advance moves every device to time t seconds.
func (s *simulation) advance(t, dt float64) {
	for _, m := range []*motor{s.left, s.right} {
		demand := 0.8 * math.Sin(2*math.Pi*0.25*t+m.phase)
		m.output.Set(demand)
		m.velocity.Set(demand*5200 + s.rng.NormFloat64()*15)
		m.current.Set(math.Abs(demand)*38 + s.rng.Float64())
	}

	y := 0.3*math.Cos(2*math.Pi*0.25*t) + s.rng.NormFloat64()*0.01
	s.accelX.Set(0.05 * math.Sin(2*math.Pi*1.3*t))
	s.accelY.Set(y)
	if dt > 0 {
		s.jerk.Set((y - s.lastY) / dt)
	}
	s.lastY = y

	closed := 0.0
	if math.Mod(t, 4) < 1 {
		closed = 1
	}
	if closed != s.limitClosed.Value() {
		s.ticks.Inc()
	}
	s.limitClosed.Set(closed)
}
