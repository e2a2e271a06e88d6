// Package endpoint implements request/response RPC layered on the
// event bus: a caller session emits a correlated call, the hub routes
// it to whichever session or in-process handler registered the target
// key, and routes the eventual receive/error back to the caller.
package endpoint

import "encoding/json"

// Wire event names — these strings are the bus's dispatch keys.
const (
	EventRegister = "endpoint/register"
	EventCall     = "endpoint/call"
	EventReceive  = "endpoint/receive"
	EventError    = "endpoint/error"
)

// Info identifies one endpoint globally by Key.
type Info struct {
	EndpointKey string `json:"key"`
}

// Key is the endpoint's stable identity and wire discriminator.
func (i Info) Key() string { return i.EndpointKey }

// CallPayload is the wire shape of endpoint/call and endpoint/receive:
// a correlated request or response riding an opaque JSON payload.
type CallPayload struct {
	Type string          `json:"type"`
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

// ErrorPayload is the wire shape of endpoint/error.
type ErrorPayload struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Error string `json:"error"`
}

// correlationKey is the calls map's composite key, matching the
// source's f"{type}:{key}" string exactly (so cursors/diagnostics
// logged on either side of the wire agree).
func correlationKey(endpointType, callKey string) string {
	return endpointType + ":" + callKey
}
