package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrInvalidEnvelope is returned when a relayed payload is neither an
// event tuple nor an {r, d} object.
var ErrInvalidEnvelope = errors.New("message: invalid broadcast envelope")

// Envelope is a broadcast message relayed between broker processes. A nil
// Rule delivers Data to every connection.
type Envelope struct {
	Rule *Rule
	Data []interface{}
}

// NewEnvelope creates an envelope for the event tuple [name, args...].
func NewEnvelope(rule *Rule, name string, args ...interface{}) *Envelope {
	return &Envelope{Rule: rule, Data: NewEvent(name, args...).Tuple()}
}

// Event returns the event carried by the envelope.
func (e *Envelope) Event() (*Event, error) {
	return EventFromTuple(e.Data)
}

// Value returns the generic representation of the envelope.
func (e *Envelope) Value() interface{} {
	m := map[string]interface{}{"d": e.Data}
	if e.Rule != nil {
		m["r"] = e.Rule.Value()
	}
	return m
}

// EnvelopeFromValue converts the generic representation of an envelope
// to an Envelope. A bare list is accepted as an envelope without rule.
func EnvelopeFromValue(v interface{}) (*Envelope, error) {
	switch v := v.(type) {
	case []interface{}:
		return &Envelope{Data: v}, nil

	case map[string]interface{}:
		d, ok := v["d"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: payload is %T", ErrInvalidEnvelope, v["d"])
		}
		r, err := ParseRule(v["r"])
		if err != nil {
			return nil, err
		}
		return &Envelope{Rule: r, Data: d}, nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidEnvelope, v)
	}
}

// Codec encodes and decodes envelopes for the relay.
type Codec interface {
	Encode(*Envelope) ([]byte, error)
	Decode([]byte) (*Envelope, error)
}

var (
	// JSONCodec encodes envelopes as JSON.
	JSONCodec Codec = jsonCodec{}

	// MsgpackCodec encodes envelopes as msgpack, a more compact binary
	// form for moderate-length payloads.
	MsgpackCodec Codec = msgpackCodec{}
)

// CodecByName returns the codec registered under name ("json" or
// "msgpack").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec, nil
	case "msgpack":
		return MsgpackCodec, nil
	}
	return nil, fmt.Errorf("message: unknown codec %q", name)
}

type jsonCodec struct{}

func (jsonCodec) Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e.Value())
}

func (jsonCodec) Decode(b []byte) (*Envelope, error) {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return EnvelopeFromValue(v)
}

type msgpackCodec struct{}

func (msgpackCodec) Encode(e *Envelope) ([]byte, error) {
	return msgpack.Marshal(e.Value())
}

func (msgpackCodec) Decode(b []byte) (*Envelope, error) {
	var v interface{}
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return EnvelopeFromValue(v)
}
