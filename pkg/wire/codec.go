package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes snapshots for the UDP data plane. The codec is fixed by
// configuration on both ends, like the datagram port.
type Codec interface {
	Name() string
	AppendSnapshot(dst []byte, ts int64, values []float64) ([]byte, error)
	DecodeSnapshot(data []byte) (Snapshot, error)
}

// Codecs available for the data plane.
var (
	JSON Codec = jsonCodec{}
	CBOR Codec = cborCodec{}
)

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("unknown snapshot codec %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) AppendSnapshot(dst []byte, ts int64, values []float64) ([]byte, error) {
	return AppendSnapshot(dst, ts, values), nil
}

func (jsonCodec) DecodeSnapshot(data []byte) (Snapshot, error) {
	return DecodeSnapshotJSON(data)
}

// cborSnapshot mirrors the JSON snapshot keys.
type cborSnapshot struct {
	Timestamp int64     `cbor:"timestamp"`
	Data      []float64 `cbor:"data"`
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	// Deterministic output; floats keep full precision.
	cborEnc, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsEmpty,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	cborDec, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) AppendSnapshot(dst []byte, ts int64, values []float64) ([]byte, error) {
	b, err := cborEnc.Marshal(cborSnapshot{Timestamp: ts, Data: values})
	if err != nil {
		return dst, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return append(dst, b...), nil
}

func (cborCodec) DecodeSnapshot(data []byte) (Snapshot, error) {
	var s cborSnapshot
	if err := cborDec.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Snapshot{Timestamp: s.Timestamp, Data: s.Data}, nil
}
