package sprintpulse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingType is returned for frames without a usable "type" field.
var ErrMissingType = errors.New("envelope has no type")

// Envelope is the canonical form of an inbound stream message. Whatever shape
// the server used, Payload always holds the event's fields as one JSON object.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Payload, v)
}

// ParseEnvelope decodes a raw frame. Event families disagree on where their
// fields live, so the payload is taken from, in order:
//
//	{"type": "...", "payload": {...}}
//	{"type": "...", "message": {...}}
//	{"type": "...", ...fields}        (everything except "type")
//
// A string "message" is a field, not a payload; it stays in the flat shape.
func ParseEnvelope(data []byte) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}

	var typ string
	if t, ok := raw["type"]; !ok || json.Unmarshal(t, &typ) != nil || typ == "" {
		return Envelope{}, ErrMissingType
	}

	for _, key := range []string{"payload", "message"} {
		if v, ok := raw[key]; ok && isObject(v) {
			return Envelope{Type: typ, Payload: v}, nil
		}
	}

	delete(raw, "type")
	flat, err := json.Marshal(raw)
	if err != nil {
		return Envelope{}, fmt.Errorf("normalize frame: %w", err)
	}
	return Envelope{Type: typ, Payload: flat}, nil
}

func isObject(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) > 0 && v[0] == '{'
}
