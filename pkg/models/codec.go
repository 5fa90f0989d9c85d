package models

import (
	"fmt"

	"github.com/bytedance/sonic"
)

var codec = sonic.ConfigStd

func Marshal(v interface{}) ([]byte, error) {
	return codec.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return codec.Unmarshal(data, v)
}

// EncodeEnvelope validates env and serializes it.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	if err := ValidateEnvelope(env); err != nil {
		return nil, err
	}

	body, err := Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return body, nil
}

// DecodeEnvelope parses a transport payload. Any failure, including a
// structurally valid document that lacks type or data, wraps
// ErrMalformedEnvelope.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if err := ValidateEnvelope(env); err != nil {
		return Envelope{}, err
	}

	return env, nil
}
