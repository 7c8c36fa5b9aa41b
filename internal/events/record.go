package events

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/oklog/ulid/v2"
)

// Record is one emitted event with its delivery metadata.
type Record struct {
	ID          string    `json:"id"`
	Instruction string    `json:"instruction"`
	Op          string    `json:"op"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        Kind      `json:"kind"`
	Event       Event     `json:"event"`
	Signature   string    `json:"signature,omitempty"`
}

// NewRecord wraps e with a fresh time-ordered id.
func NewRecord(instruction, op string, at time.Time, e Event) Record {
	return Record{
		ID:          ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		Instruction: instruction,
		Op:          op,
		Timestamp:   at.UTC(),
		Kind:        e.Kind(),
		Event:       e,
	}
}

// UnmarshalJSON decodes the event payload into the variant named by kind.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var aux struct {
		plain
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e, err := decodeWith(aux.Kind, func(target any) error { return json.Unmarshal(aux.Event, target) })
	if err != nil {
		return err
	}
	*r = Record(aux.plain)
	r.Event = e
	return nil
}

// cborEnc produces Core Deterministic Encoding: the same record always
// yields the same bytes, which is what the journal signs.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.TextMarshaler = cbor.TextMarshalerTextString
	var err error
	if cborEnc, err = opts.EncMode(); err != nil {
		panic("events: CBOR encoder initialization failed: " + err.Error())
	}
	if cborDec, err = (cbor.DecOptions{TextUnmarshaler: cbor.TextUnmarshalerTextString}).DecMode(); err != nil {
		panic("events: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodePayload returns the canonical CBOR form of e.
func EncodePayload(e Event) ([]byte, error) {
	return cborEnc.Marshal(e)
}

// DecodePayload decodes a canonical CBOR payload of the given kind.
func DecodePayload(kind Kind, payload []byte) (Event, error) {
	return decodeWith(kind, func(target any) error { return cborDec.Unmarshal(payload, target) })
}

func decodeWith(kind Kind, unmarshal func(any) error) (Event, error) {
	target, ok := New(kind)
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if err := unmarshal(target); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", kind, err)
	}
	// New hands out pointers; sinks switch on value types.
	return reflect.ValueOf(target).Elem().Interface().(Event), nil
}
