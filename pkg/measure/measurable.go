// Package measure defines the capability the telemetry core streams from:
// an item exposing named measures, each backed by a live float64 source.
//
// Concrete device bindings (motor controllers, servos, digital inputs)
// live in host programs. This package ships a generic Item plus Gauge and
// Counter sources so hosts can expose values without writing adapters.
package measure

// Measure names a quantity exposed by an item, e.g. "VALUE" or "JERK".
// Measures of the same name on different items are independent.
type Measure string

// Source produces the current value of a measure. It is called on every
// stream tick and must be safe for concurrent use.
type Source func() float64

// Measurable is an item the telemetry core can catalogue and stream.
// Identity is the (Type, ID) pair.
type Measurable interface {
	// ID returns the device id, e.g. a hardware channel number.
	ID() int
	// Type returns the item type tag used to group the inventory.
	Type() string
	// Description returns a human readable label.
	Description() string
	// Measures returns the declared measures in a stable order.
	Measures() []Measure
	// ValueOf returns the source for m, or false if m is not supported.
	ValueOf(m Measure) (Source, bool)
}

// Key identifies a Measurable by type and device id.
type Key struct {
	Type string
	ID   int
}

// KeyOf returns the identity key of m.
func KeyOf(m Measurable) Key {
	return Key{Type: m.Type(), ID: m.ID()}
}
