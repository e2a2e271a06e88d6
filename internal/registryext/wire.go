package registryext

import "encoding/json"

// Wire event and endpoint names — these strings are the bus's dispatch
// keys and must not change.
const (
	EventListen = "registry/listen"
	EventUpdate = "registry/update"

	EndpointGet = "registry/get"
)

// UpdatePayload is the wire shape of registry/update, both inbound
// (a client pushing a new value) and outbound (the server echoing it
// to every attached session, itself included).
type UpdatePayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}
