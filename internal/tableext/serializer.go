package tableext

import "encoding/json"

// Serializer mediates between a table's item type T and the opaque
// JSON the storage adapter persists. Locally registered tables
// (ServerExtension's apps table, EndpointExtension's endpoints table)
// use JSONSerializer; tables a remote client declares via
// table/register carry an opaque payload the hub never decodes, so
// those use IdentitySerializer with T = json.RawMessage.
type Serializer[T any] struct {
	Marshal   func(T) (json.RawMessage, error)
	Unmarshal func(json.RawMessage) (T, error)
}

// JSONSerializer mediates via encoding/json, the default for any
// server-defined item type.
func JSONSerializer[T any]() Serializer[T] {
	return Serializer[T]{
		Marshal: func(v T) (json.RawMessage, error) {
			return json.Marshal(v)
		},
		Unmarshal: func(b json.RawMessage) (T, error) {
			var v T
			err := json.Unmarshal(b, &v)
			return v, err
		},
	}
}

// IdentitySerializer passes JSON through unchanged — used for tables
// registered from a remote TableRegister event, whose item shape the
// hub has no reason to decode.
func IdentitySerializer() Serializer[json.RawMessage] {
	return Serializer[json.RawMessage]{
		Marshal:   func(v json.RawMessage) (json.RawMessage, error) { return v, nil },
		Unmarshal: func(b json.RawMessage) (json.RawMessage, error) { return b, nil },
	}
}
