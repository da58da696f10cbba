package message

import (
	"github.com/fulanowo/maim-message/pkg/errors"
	"github.com/fulanowo/maim-message/pkg/json"
)

// Kind classifies a decoded frame.
type Kind int

const (
	// KindStandard is an envelope frame (message_dim present).
	KindStandard Kind = iota
	// KindCustom is a custom frame (top-level type without message_dim).
	KindCustom
)

// Frame is the result of classifying one wire frame. Exactly one of Envelope
// and Custom is set, matching Kind.
type Frame struct {
	Kind     Kind
	Envelope *Envelope
	Custom   *CustomMessage
}

// Encode serializes an envelope to a single wire frame.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire frame as an envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	return &e, nil
}

// EncodeCustom serializes a custom message to a single wire frame.
func EncodeCustom(m *CustomMessage) ([]byte, error) {
	return json.Marshal(m)
}

// Classify parses one UTF-8 JSON frame and decides its shape: presence of
// message_dim makes it a standard envelope, a top-level type without
// message_dim makes it custom, anything else is malformed.
func Classify(data []byte) (*Frame, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(errors.ErrMalformedFrame, err.Error())
	}

	if _, ok := raw["message_dim"]; ok {
		env, err := Decode(data)
		if err != nil {
			return nil, errors.Wrap(errors.ErrMalformedFrame, err.Error())
		}
		return &Frame{Kind: KindStandard, Envelope: env}, nil
	}

	if _, ok := raw["type"]; ok {
		var m CustomMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrap(errors.ErrMalformedFrame, err.Error())
		}
		if m.Type == "" {
			return nil, errors.Wrap(errors.ErrMalformedFrame, "empty type tag")
		}
		return &Frame{Kind: KindCustom, Custom: &m}, nil
	}

	return nil, errors.Wrap(errors.ErrMalformedFrame, "frame matches neither standard nor custom shape")
}
