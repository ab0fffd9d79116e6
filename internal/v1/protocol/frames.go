package protocol

import (
	"encoding/json"
)

// Frame is the wire envelope. Every WebSocket text message, in either
// direction, is one JSON-encoded Frame.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeFrame parses an inbound message. A frame without an event name is
// rejected before it reaches the dispatcher.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, ValidationError(CodeInvalidPayload, "malformed frame").WithCause(err)
	}
	if f.Event == "" {
		return Frame{}, ValidationError(CodeInvalidPayload, "frame is missing an event name")
	}
	return f, nil
}

// EncodeFrame serializes an outbound event and payload.
func EncodeFrame(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Payload: raw})
}

// Bind decodes the frame payload into v. An empty payload binds to the
// zero value so handlers can treat optional payloads uniformly.
func (f Frame) Bind(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return ValidationError(CodeInvalidPayload, "malformed payload for "+f.Event).WithCause(err)
	}
	return nil
}
