package tableext

import (
	"encoding/json"

	"github.com/streamspace-dev/hubcore/internal/session"
)

// SessionTableHandler is the replication pump for one (table, session)
// pair: it is both a TableListener and a per-session handle, turned
// into outbound table/item_* frames.
type SessionTableHandler[T any] struct {
	info       Info
	session    *session.Session
	serializer Serializer[T]
}

// NewSessionTableHandler binds s to info's table via serializer.
func NewSessionTableHandler[T any](info Info, s *session.Session, serializer Serializer[T]) *SessionTableHandler[T] {
	return &SessionTableHandler[T]{info: info, session: s, serializer: serializer}
}

func (h *SessionTableHandler[T]) marshalItems(items map[string]T) ItemsPayload {
	raws := make(map[string]json.RawMessage, len(items))
	for k, v := range items {
		raw, err := h.serializer.Marshal(v)
		if err != nil {
			// A session-bound item that fails to re-encode is dropped
			// from this frame rather than aborting the whole
			// notification; the adapter copy is unaffected.
			continue
		}
		raws[k] = raw
	}
	return ItemsPayload{Type: h.info.Key(), Items: raws}
}

func (h *SessionTableHandler[T]) OnAdd(items map[string]T) {
	h.send(EventItemAdd, h.marshalItems(items))
}

func (h *SessionTableHandler[T]) OnUpdate(items map[string]T) {
	h.send(EventItemUpdate, h.marshalItems(items))
}

func (h *SessionTableHandler[T]) OnRemove(items map[string]T) {
	h.send(EventItemRemove, h.marshalItems(items))
}

func (h *SessionTableHandler[T]) OnClear() {
	h.send(EventItemClear, TypePayload{Type: h.info.Key()})
}

func (h *SessionTableHandler[T]) send(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := h.session.Send(eventType, data); err != nil {
		// A send failure means the transport is going or gone; the
		// session's own read loop will observe the close and fire
		// Detach through Network/TableExtension's on_disconnected path.
		return
	}
}
