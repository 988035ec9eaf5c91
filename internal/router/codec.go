package router

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Subprotocols negotiated on the WebSocket upgrade.
const (
	SubprotocolJSON = "qstream.v1.json"
	SubprotocolCBOR = "qstream.v1.cbor"
)

// Codec converts between wire frames and protocol messages.
type Codec interface {
	// Name is the WebSocket subprotocol the codec serves.
	Name() string
	// Binary reports whether frames are binary rather than text.
	Binary() bool
	Encode(Message) ([]byte, error)
	Decode([]byte) (Request, error)
}

// DecodeError marks a frame that could not be parsed. The connection stays
// usable; the router answers with an error message.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "malformed request: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// JSONCodec is the default text codec.
type JSONCodec struct{}

func (JSONCodec) Name() string { return SubprotocolJSON }
func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func (JSONCodec) Decode(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, &DecodeError{Err: err}
	}
	return req, nil
}

// CBORCodec encodes deterministic CBOR binary frames.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds the CBOR codec. Text marshalers (decimal prices) are
// written as CBOR text strings in preference to their binary form, and times
// as RFC 3339 strings.
func NewCBORCodec() (*CBORCodec, error) {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.BinaryMarshaler = cbor.BinaryMarshalerNone
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encOptions.Time = cbor.TimeRFC3339Nano
	enc, err := encOptions.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}

	dec, err := cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (*CBORCodec) Name() string { return SubprotocolCBOR }
func (*CBORCodec) Binary() bool { return true }

func (c *CBORCodec) Encode(m Message) ([]byte, error) {
	return c.enc.Marshal(m)
}

func (c *CBORCodec) Decode(data []byte) (Request, error) {
	var req Request
	if err := c.dec.Unmarshal(data, &req); err != nil {
		return Request{}, &DecodeError{Err: err}
	}
	return req, nil
}

// Unmarshal decodes a CBOR message into v, for clients and tests.
func (c *CBORCodec) Unmarshal(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

// Marshal encodes v as deterministic CBOR, for clients and tests.
func (c *CBORCodec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

// Codecs returns the supported codecs in server preference order.
func Codecs() ([]Codec, error) {
	cb, err := NewCBORCodec()
	if err != nil {
		return nil, err
	}
	return []Codec{JSONCodec{}, cb}, nil
}
