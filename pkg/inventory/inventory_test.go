package inventory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/grapher/pkg/measure"
)

func talon(id int, desc string) *measure.Item {
	return measure.NewItem(id, "TALON", desc).
		Bind("VALUE", func() float64 { return 0 }).
		Bind("BASE_ID", func() float64 { return float64(id) })
}

func accel(id int, desc string) *measure.Item {
	return measure.NewItem(id, "ACCELEROMETER", desc).
		Bind("JERK", func() float64 { return 0 })
}

func TestItemForID_Identity(t *testing.T) {
	a := talon(3, "left drive")
	b := accel(0, "chassis")
	inv := New([]measure.Measurable{a, b})

	got, err := inv.ItemForID(0)
	require.NoError(t, err)
	assert.Same(t, a, got)

	got, err = inv.ItemForID(1)
	require.NoError(t, err)
	assert.Same(t, b, got)

	// Repeated lookups are stable.
	again, err := inv.ItemForID(1)
	require.NoError(t, err)
	assert.Same(t, got, again)
	assert.Equal(t, 2, inv.Len())
}

func TestItemForID_NotFound(t *testing.T) {
	inv := New([]measure.Measurable{talon(1, "x")})

	for _, id := range []int{-1, 1, 100} {
		_, err := inv.ItemForID(id)
		assert.ErrorIs(t, err, ErrNotFound, "id %d", id)
	}
}

func TestNew_CopiesInput(t *testing.T) {
	a, b := talon(1, "a"), talon(2, "b")
	items := []measure.Measurable{a}
	inv := New(items)
	items[0] = b

	got, err := inv.ItemForID(0)
	require.NoError(t, err)
	assert.Same(t, a, got)
}

func TestWriteInventory_Golden(t *testing.T) {
	inv := New([]measure.Measurable{
		talon(3, "left drive"),
		accel(0, "chassis"),
		talon(4, "right drive"),
	})

	want := `{"items":{` +
		`"TALON":[{"inventoryId":0,"deviceId":3,"description":"left drive"},{"inventoryId":2,"deviceId":4,"description":"right drive"}],` +
		`"ACCELEROMETER":[{"inventoryId":1,"deviceId":0,"description":"chassis"}]},` +
		`"measures":{` +
		`"TALON":[{"measureName":"VALUE"},{"measureName":"BASE_ID"}],` +
		`"ACCELEROMETER":[{"measureName":"JERK"}]}}`

	assert.Equal(t, want, string(inv.WriteInventory()))
	assert.True(t, json.Valid(inv.WriteInventory()))
	assert.Empty(t, inv.Divergent())
}

func TestWriteInventory_DivergentMeasuresUnion(t *testing.T) {
	odd := measure.NewItem(5, "TALON", "odd").
		Bind("VALUE", func() float64 { return 0 }).
		Bind("TEMPERATURE", func() float64 { return 0 })

	inv := New([]measure.Measurable{talon(1, "a"), odd})

	assert.Equal(t, []string{"TALON"}, inv.Divergent())
	assert.Contains(t, string(inv.WriteInventory()),
		`"TALON":[{"measureName":"VALUE"},{"measureName":"BASE_ID"},{"measureName":"TEMPERATURE"}]`)
}

func TestWriteInventory_SubsetIsDivergent(t *testing.T) {
	partial := measure.NewItem(5, "TALON", "partial").Bind("VALUE", func() float64 { return 0 })
	inv := New([]measure.Measurable{talon(1, "a"), partial})
	assert.Equal(t, []string{"TALON"}, inv.Divergent())
}

func TestWriteInventory_Empty(t *testing.T) {
	inv := New(nil)
	assert.Equal(t, `{"items":{},"measures":{}}`, string(inv.WriteInventory()))
	assert.Zero(t, inv.Len())
}

func TestFingerprint(t *testing.T) {
	first := New([]measure.Measurable{talon(1, "a"), accel(2, "b")})
	same := New([]measure.Measurable{talon(1, "a"), accel(2, "b")})
	reordered := New([]measure.Measurable{accel(2, "b"), talon(1, "a")})

	assert.Equal(t, first.Fingerprint(), same.Fingerprint())
	assert.NotEqual(t, first.Fingerprint(), reordered.Fingerprint())
}
