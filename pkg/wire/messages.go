package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrMalformed is returned when a message does not match its schema.
var ErrMalformed = errors.New("malformed message")

// Snapshot is one timestamped vector of measure values.
type Snapshot struct {
	// Timestamp is epoch milliseconds at sampling time.
	Timestamp int64
	Data      []float64
}

// AppendSnapshot appends {"timestamp":ts,"data":[v0,v1,...]}.
func AppendSnapshot(dst []byte, ts int64, values []float64) []byte {
	dst = append(dst, `{"timestamp":`...)
	dst = AppendInt(dst, ts)
	dst = append(dst, `,"data":[`...)
	for i, v := range values {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = AppendFloat(dst, v)
	}
	return append(dst, "]}"...)
}

// DecodeSnapshotJSON parses a JSON snapshot. Null values decode as NaN.
func DecodeSnapshotJSON(data []byte) (Snapshot, error) {
	var raw struct {
		Timestamp *int64     `json:"timestamp"`
		Data      []*float64 `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Timestamp == nil || raw.Data == nil {
		return Snapshot{}, fmt.Errorf("%w: snapshot requires timestamp and data", ErrMalformed)
	}
	snap := Snapshot{Timestamp: *raw.Timestamp, Data: make([]float64, len(raw.Data))}
	for i, v := range raw.Data {
		if v == nil {
			snap.Data[i] = math.NaN()
			continue
		}
		snap.Data[i] = *v
	}
	return snap, nil
}

// AckEntry labels one resolved selection of a subscription.
type AckEntry struct {
	Description string
	Measure     string
}

// AppendAck appends {"items":[{"description":d,"measure":m},...]}.
func AppendAck(dst []byte, entries []AckEntry) []byte {
	dst = append(dst, `{"items":[`...)
	for i, e := range entries {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, `{"description":`...)
		dst = AppendString(dst, e.Description)
		dst = append(dst, `,"measure":`...)
		dst = AppendString(dst, e.Measure)
		dst = append(dst, '}')
	}
	return append(dst, "]}"...)
}

// DecodeAck parses a subscription acknowledgement.
func DecodeAck(data []byte) ([]AckEntry, error) {
	var raw struct {
		Items []struct {
			Description string `json:"description"`
			Measure     string `json:"measure"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	entries := make([]AckEntry, len(raw.Items))
	for i, item := range raw.Items {
		entries[i] = AckEntry{Description: item.Description, Measure: item.Measure}
	}
	return entries, nil
}

// InventoryEntry is one catalogued item.
type InventoryEntry struct {
	InventoryID int
	DeviceID    int
	Description string
}

// InventoryGroup is the catalogue of one item type.
type InventoryGroup struct {
	Type     string
	Entries  []InventoryEntry
	Measures []string
}

// AppendInventory appends the grouped catalogue:
//
//	{"items":{TYPE:[{"inventoryId":0,"deviceId":4,"description":"..."}]},
//	 "measures":{TYPE:[{"measureName":"VALUE"}]}}
//
// Groups are written in the given order.
func AppendInventory(dst []byte, groups []InventoryGroup) []byte {
	dst = append(dst, `{"items":{`...)
	for i, g := range groups {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = AppendString(dst, g.Type)
		dst = append(dst, ":["...)
		for j, e := range g.Entries {
			if j > 0 {
				dst = append(dst, ',')
			}
			dst = append(dst, `{"inventoryId":`...)
			dst = AppendInt(dst, int64(e.InventoryID))
			dst = append(dst, `,"deviceId":`...)
			dst = AppendInt(dst, int64(e.DeviceID))
			dst = append(dst, `,"description":`...)
			dst = AppendString(dst, e.Description)
			dst = append(dst, '}')
		}
		dst = append(dst, ']')
	}
	dst = append(dst, `},"measures":{`...)
	for i, g := range groups {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = AppendString(dst, g.Type)
		dst = append(dst, ":["...)
		for j, m := range g.Measures {
			if j > 0 {
				dst = append(dst, ',')
			}
			dst = append(dst, `{"measureName":`...)
			dst = AppendString(dst, m)
			dst = append(dst, '}')
		}
		dst = append(dst, ']')
	}
	return append(dst, "}}"...)
}

// Catalog is the client-side view of an inventory response.
type Catalog struct {
	Items    map[string][]InventoryEntry
	Measures map[string][]string
}

// DecodeInventory parses an inventory response.
func DecodeInventory(data []byte) (Catalog, error) {
	var raw struct {
		Items map[string][]struct {
			InventoryID int    `json:"inventoryId"`
			DeviceID    int    `json:"deviceId"`
			Description string `json:"description"`
		} `json:"items"`
		Measures map[string][]struct {
			MeasureName string `json:"measureName"`
		} `json:"measures"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Catalog{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	cat := Catalog{
		Items:    make(map[string][]InventoryEntry, len(raw.Items)),
		Measures: make(map[string][]string, len(raw.Measures)),
	}
	for typ, entries := range raw.Items {
		for _, e := range entries {
			cat.Items[typ] = append(cat.Items[typ], InventoryEntry{
				InventoryID: e.InventoryID,
				DeviceID:    e.DeviceID,
				Description: e.Description,
			})
		}
	}
	for typ, measures := range raw.Measures {
		for _, m := range measures {
			cat.Measures[typ] = append(cat.Measures[typ], m.MeasureName)
		}
	}
	return cat, nil
}

// Selection picks one measure of one inventory item.
type Selection struct {
	InventoryID int
	Measure     string
}

// SubscribeRequest is the body of POST /v1/grapher/subscription.
type SubscribeRequest struct {
	Items []Selection
	// Client optionally overrides the datagram destination address.
	Client string
}

// DecodeSubscribeRequest reads and validates a subscription request.
// Unknown fields, missing keys and trailing data are rejected.
func DecodeSubscribeRequest(r io.Reader) (SubscribeRequest, error) {
	var raw struct {
		Items []struct {
			InventoryID *int    `json:"inventoryId"`
			Measure     *string `json:"measure"`
		} `json:"items"`
		Client string `json:"client"`
	}

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return SubscribeRequest{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	// Anything but a clean EOF after the object is trailing data, including
	// stray closing brackets that dec.More would not report.
	switch err := dec.Decode(&struct{}{}); {
	case errors.Is(err, io.EOF):
	case err == nil:
		return SubscribeRequest{}, fmt.Errorf("%w: trailing data after request", ErrMalformed)
	default:
		return SubscribeRequest{}, fmt.Errorf("%w: trailing data after request: %w", ErrMalformed, err)
	}
	if raw.Items == nil {
		return SubscribeRequest{}, fmt.Errorf("%w: missing items", ErrMalformed)
	}

	req := SubscribeRequest{Items: make([]Selection, len(raw.Items)), Client: raw.Client}
	for i, item := range raw.Items {
		if item.InventoryID == nil || item.Measure == nil {
			return SubscribeRequest{}, fmt.Errorf("%w: items[%d] requires inventoryId and measure", ErrMalformed, i)
		}
		req.Items[i] = Selection{InventoryID: *item.InventoryID, Measure: *item.Measure}
	}
	return req, nil
}

// AppendSubscribeRequest appends req in the form DecodeSubscribeRequest reads.
func AppendSubscribeRequest(dst []byte, req SubscribeRequest) []byte {
	dst = append(dst, `{"items":[`...)
	for i, s := range req.Items {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, `{"inventoryId":`...)
		dst = AppendInt(dst, int64(s.InventoryID))
		dst = append(dst, `,"measure":`...)
		dst = AppendString(dst, s.Measure)
		dst = append(dst, '}')
	}
	dst = append(dst, ']')
	if req.Client != "" {
		dst = append(dst, `,"client":`...)
		dst = AppendString(dst, req.Client)
	}
	return append(dst, '}')
}

// NewSubscribeBody returns req encoded as a request body reader.
func NewSubscribeBody(req SubscribeRequest) io.Reader {
	return bytes.NewReader(AppendSubscribeRequest(nil, req))
}
