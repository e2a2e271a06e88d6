package endpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streamspace-dev/hubcore/internal/session"
)

// BindServerEndpoint implements tableext.EndpointBinder: it registers
// an in-process handler operating on raw JSON under key. Duplicate
// keys are a configuration error, raised here rather than at call
// time.
func (e *Extension) BindServerEndpoint(key string, handler func(ctx context.Context, caller *session.Session, req json.RawMessage) (json.RawMessage, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.endpoints[key]; exists {
		return fmt.Errorf("endpoint: %q already bound", key)
	}
	e.endpoints[key] = &serverEndpoint{info: Info{EndpointKey: key}, handler: rawHandler(handler)}
	return nil
}

// BindTyped registers a compile-time-typed local endpoint: handler
// receives a decoded Req and returns a Res that gets encoded back to
// the caller. This is the generic counterpart to BindServerEndpoint
// for server-defined endpoints that want JSON (de)serialization
// handled for them, the same division of labor as the source's
// ServerEndpoint wrapping a typed callback.
func BindTyped[Req any, Res any](e *Extension, key string, handler func(ctx context.Context, caller *session.Session, req Req) (Res, error)) error {
	return e.BindServerEndpoint(key, func(ctx context.Context, caller *session.Session, raw json.RawMessage) (json.RawMessage, error) {
		var req Req
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("endpoint: decode request: %w", err)
		}
		res, err := handler(ctx, caller, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
}
