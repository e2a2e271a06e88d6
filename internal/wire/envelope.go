// Package wire defines the on-the-wire frame shape shared by every
// session: a typed JSON envelope, {"type": "...", "data": ...}.
package wire

import "encoding/json"

// Envelope is the wire form of every frame exchanged with a session,
// the handshake included. Data is kept as raw JSON so the bus can pick
// the right deserializer once it knows Type.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode builds an Envelope for an already-serialized payload.
func Encode(eventType string, data json.RawMessage) Envelope {
	return Envelope{Type: eventType, Data: data}
}
