// Package codec encodes and decodes bus messages. Every message is a CBOR
// envelope carrying an event type tag and the CBOR-encoded event.
package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-playground/validator/v10"
)

// ErrMalformed marks a message that could not be decoded or failed
// validation. Such messages are dropped, never retried.
var ErrMalformed = errors.New("malformed event")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	validate = validator.New()
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Envelope is the outer frame of every bus message.
type Envelope struct {
	Type    string          `cbor:"type"`
	Payload cbor.RawMessage `cbor:"payload"`
}

// Encode wraps v in an envelope tagged with eventType.
func Encode(eventType string, v any) ([]byte, error) {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return encMode.Marshal(Envelope{Type: eventType, Payload: payload})
}

// DecodeEnvelope reads the outer frame of a message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: invalid CBOR: %w", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: envelope has no type", ErrMalformed)
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v and validates it.
func Decode(env Envelope, v any) error {
	if err := decMode.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: invalid %s payload: %w", ErrMalformed, env.Type, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: validation error: %w", ErrMalformed, err)
	}
	return nil
}
