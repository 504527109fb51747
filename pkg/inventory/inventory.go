// Package inventory catalogues the Measurables a telemetry server exposes.
//
// An Inventory is frozen at construction: the position of an item in the
// input slice becomes its inventory id, the number clients use in every
// subscription request. Ids are only meaningful for the lifetime of one
// Inventory; a restart with a different item set reassigns them, which
// clients detect through Fingerprint.
package inventory

import (
	"errors"
	"fmt"
	"log"

	"github.com/cespare/xxhash/v2"

	"github.com/nicktill/grapher/pkg/measure"
	"github.com/nicktill/grapher/pkg/wire"
)

// ErrNotFound is returned for inventory ids outside the catalogue.
var ErrNotFound = errors.New("no such item")

// Inventory is an immutable, id-indexed catalogue of Measurables.
type Inventory struct {
	entries     []measure.Measurable
	groups      []wire.InventoryGroup
	divergent   []string
	catalog     []byte
	fingerprint uint64
}

// New freezes items into an Inventory. Item i receives inventory id i.
func New(items []measure.Measurable) *Inventory {
	entries := make([]measure.Measurable, len(items))
	copy(entries, items)

	inv := &Inventory{entries: entries}
	inv.groups, inv.divergent = group(entries)
	inv.catalog = wire.AppendInventory(nil, inv.groups)
	inv.fingerprint = xxhash.Sum64(inv.catalog)

	for _, typ := range inv.divergent {
		log.Printf("Inventory: items of type %s declare different measures, advertising the union", typ)
	}
	return inv
}

// ItemForID returns the Measurable with inventory id id.
func (inv *Inventory) ItemForID(id int) (measure.Measurable, error) {
	if id < 0 || id >= len(inv.entries) {
		return nil, fmt.Errorf("%w: inventory id %d (have %d items)", ErrNotFound, id, len(inv.entries))
	}
	return inv.entries[id], nil
}

// Len returns the number of catalogued items.
func (inv *Inventory) Len() int {
	return len(inv.entries)
}

// Items returns the catalogued items in inventory id order.
func (inv *Inventory) Items() []measure.Measurable {
	out := make([]measure.Measurable, len(inv.entries))
	copy(out, inv.entries)
	return out
}

// WriteInventory returns the JSON catalogue served to discovery clients.
// The returned slice must not be modified.
func (inv *Inventory) WriteInventory() []byte {
	return inv.catalog
}

// Fingerprint returns a hash of the catalogue. Two inventories with equal
// fingerprints assign the same ids to the same items and measures.
func (inv *Inventory) Fingerprint() uint64 {
	return inv.fingerprint
}

// Divergent lists item types whose items declare different measure sets.
// This is a data-quality signal, not an error.
func (inv *Inventory) Divergent() []string {
	out := make([]string, len(inv.divergent))
	copy(out, inv.divergent)
	return out
}

// group buckets entries by type in first-seen order. Each group's measures
// are the union of its items' measures in first-declared order.
func group(entries []measure.Measurable) ([]wire.InventoryGroup, []string) {
	var groups []wire.InventoryGroup
	index := make(map[string]int)
	seen := make(map[string]map[string]bool)
	var divergent []string

	for id, item := range entries {
		typ := item.Type()
		gi, ok := index[typ]
		if !ok {
			gi = len(groups)
			index[typ] = gi
			groups = append(groups, wire.InventoryGroup{Type: typ})
			seen[typ] = make(map[string]bool)
		}
		g := &groups[gi]
		g.Entries = append(g.Entries, wire.InventoryEntry{
			InventoryID: id,
			DeviceID:    item.ID(),
			Description: item.Description(),
		})

		measures := item.Measures()
		differs := ok && len(measures) != len(g.Measures)
		for _, m := range measures {
			name := string(m)
			if seen[typ][name] {
				continue
			}
			seen[typ][name] = true
			g.Measures = append(g.Measures, name)
			if ok {
				differs = true
			}
		}
		if differs && !contains(divergent, typ) {
			divergent = append(divergent, typ)
		}
	}
	return groups, divergent
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
