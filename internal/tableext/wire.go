package tableext

import "encoding/json"

// Wire event and endpoint names — these strings are the bus's
// dispatch keys and must not change.
const (
	EventRegister    = "table/register"
	EventListen      = "table/listen"
	EventItemAdd     = "table/item_add"
	EventItemUpdate  = "table/item_update"
	EventItemRemove  = "table/item_remove"
	EventItemClear   = "table/item_clear"

	EndpointItemGet   = "table/item_get"
	EndpointItemFetch = "table/item_fetch"
	EndpointItemSize  = "table/item_size"
)

// ItemsPayload is the wire shape of table/item_add|update|remove:
// every affected item, keyed by the table's identity.
type ItemsPayload struct {
	Type  string                     `json:"type"`
	Items map[string]json.RawMessage `json:"items"`
}

// TypePayload is the wire shape of table/item_clear: just the table
// identity, wrapped in an object. table/listen carries the same
// identity but as a bare JSON string instead of `{"type": ...}` — see
// onTableListen, which registers its event with a plain string payload
// type rather than TypePayload.
type TypePayload struct {
	Type string `json:"type"`
}

// FetchRequest is the table/item_fetch endpoint's request shape.
type FetchRequest struct {
	Type   string  `json:"type"`
	Limit  int     `json:"limit"`
	Cursor *string `json:"cursor,omitempty"`
}

// GetRequest is the table/item_get endpoint's request shape.
type GetRequest struct {
	Type string   `json:"type"`
	Keys []string `json:"keys"`
}

// SizeRequest is the table/item_size endpoint's request shape.
type SizeRequest struct {
	Type string `json:"type"`
}
