// Package subscription resolves a client's selection of (inventory id,
// measure) pairs into live value sources and renders the resulting
// snapshots and acknowledgements.
package subscription

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/nicktill/grapher/pkg/inventory"
	"github.com/nicktill/grapher/pkg/measure"
	"github.com/nicktill/grapher/pkg/wire"
)

// Resolution errors. Each is returned wrapped with the offending selection.
var (
	ErrNoSuchItem          = errors.New("no such item")
	ErrMeasureNotSupported = errors.New("measure not supported by this item")
	ErrEmptySelection      = errors.New("subscription selects no measures")
)

type entry struct {
	itemID  int
	item    measure.Measurable
	measure measure.Measure
	source  measure.Source
}

// Subscription is an immutable, resolved selection bound to one client.
// Entries keep request order, duplicates included.
type Subscription struct {
	inv     *inventory.Inventory
	client  netip.Addr
	entries []entry
	now     func() time.Time
}

// New resolves req against inv for the given client address.
func New(inv *inventory.Inventory, client netip.Addr, req wire.SubscribeRequest) (*Subscription, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptySelection
	}

	entries := make([]entry, 0, len(req.Items))
	for i, sel := range req.Items {
		item, err := inv.ItemForID(sel.InventoryID)
		if err != nil {
			return nil, fmt.Errorf("%w: items[%d]: %w", ErrNoSuchItem, i, err)
		}
		m := measure.Measure(sel.Measure)
		src, ok := item.ValueOf(m)
		if !ok || src == nil {
			return nil, fmt.Errorf("%w: items[%d]: %s %q has no measure %q",
				ErrMeasureNotSupported, i, item.Type(), item.Description(), sel.Measure)
		}
		entries = append(entries, entry{
			itemID:  sel.InventoryID,
			item:    item,
			measure: m,
			source:  src,
		})
	}

	return &Subscription{
		inv:     inv,
		client:  client,
		entries: entries,
		now:     time.Now,
	}, nil
}

// Client returns the address snapshots are streamed to.
func (s *Subscription) Client() netip.Addr {
	return s.client
}

// Inventory returns the inventory the selection was resolved against.
func (s *Subscription) Inventory() *inventory.Inventory {
	return s.inv
}

// Len returns the number of values in every snapshot.
func (s *Subscription) Len() int {
	return len(s.entries)
}

// Selections returns the resolved selections in snapshot order.
func (s *Subscription) Selections() []wire.Selection {
	out := make([]wire.Selection, len(s.entries))
	for i, e := range s.entries {
		out[i] = wire.Selection{InventoryID: e.itemID, Measure: string(e.measure)}
	}
	return out
}

// Sample reads every source now, appending the values to dst[:0].
// It returns the sampling time in epoch milliseconds.
func (s *Subscription) Sample(dst []float64) (int64, []float64) {
	ts := s.now().UnixMilli()
	dst = dst[:0]
	for _, e := range s.entries {
		dst = append(dst, e.source())
	}
	return ts, dst
}

// MeasurementsToJSON returns a fresh snapshot as
// {"timestamp":<epoch ms>,"data":[...]}.
func (s *Subscription) MeasurementsToJSON() []byte {
	ts, values := s.Sample(make([]float64, 0, len(s.entries)))
	return wire.AppendSnapshot(nil, ts, values)
}

// ToJSON returns the acknowledgement sent in reply to the subscribe
// request: one {description, measure} label per snapshot value.
func (s *Subscription) ToJSON() []byte {
	acks := make([]wire.AckEntry, len(s.entries))
	for i, e := range s.entries {
		acks[i] = wire.AckEntry{Description: e.item.Description(), Measure: string(e.measure)}
	}
	return wire.AppendAck(nil, acks)
}
