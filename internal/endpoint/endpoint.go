package endpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streamspace-dev/hubcore/internal/session"
)

// Endpoint is either a remote SessionEndpoint (forwards the call to
// the session that declared it) or a local ServerEndpoint (invokes an
// in-process handler directly). Both are addressed the same way by
// the extension's registry.
type Endpoint interface {
	Info() Info
	Call(ctx context.Context, caller *session.Session, req CallPayload) error
}

// sessionEndpoint forwards calls to the remote session that announced
// it via endpoint/register.
type sessionEndpoint struct {
	session *session.Session
	info    Info
}

func (e *sessionEndpoint) Info() Info { return e.info }

func (e *sessionEndpoint) Call(_ context.Context, _ *session.Session, req CallPayload) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("endpoint: encode call: %w", err)
	}
	return e.session.Send(EventCall, data)
}

// rawHandler is an in-process endpoint callback operating on
// undecoded JSON — the shape BindServerEndpoint exposes to other
// packages (tableext's item_get/item_fetch/item_size, for instance),
// which already own their own request/response encoding.
type rawHandler func(ctx context.Context, caller *session.Session, req json.RawMessage) (json.RawMessage, error)

// serverEndpoint invokes an in-process handler directly: deserialize
// happens inside handler (or has already happened, for BindTyped
// callers), success replies with endpoint/receive, failure (a returned
// error or a recovered panic) replies with endpoint/error and is also
// returned for the caller to log.
type serverEndpoint struct {
	info    Info
	handler rawHandler
}

func (e *serverEndpoint) Info() Info { return e.info }

func (e *serverEndpoint) Call(ctx context.Context, caller *session.Session, req CallPayload) error {
	res, err := func() (res json.RawMessage, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("endpoint: handler panicked: %v", r)
			}
		}()
		return e.handler(ctx, caller, req.Data)
	}()
	if err != nil {
		errPayload := ErrorPayload{Type: req.Type, Key: req.Key, Error: err.Error()}
		if data, merr := json.Marshal(errPayload); merr == nil {
			_ = caller.Send(EventError, data)
		}
		return err
	}

	recv := CallPayload{Type: req.Type, Key: req.Key, Data: res}
	data, err := json.Marshal(recv)
	if err != nil {
		return fmt.Errorf("endpoint: encode receive: %w", err)
	}
	return caller.Send(EventReceive, data)
}

// pendingCall is the in-flight state recorded between a call's
// forwarding and its matching receive/error.
type pendingCall struct {
	caller *session.Session
	req    CallPayload
}

func (p *pendingCall) receive(data CallPayload) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("endpoint: encode receive: %w", err)
	}
	return p.caller.Send(EventReceive, b)
}

func (p *pendingCall) sendError(msg string) error {
	errPayload := ErrorPayload{Type: p.req.Type, Key: p.req.Key, Error: msg}
	b, err := json.Marshal(errPayload)
	if err != nil {
		return fmt.Errorf("endpoint: encode error: %w", err)
	}
	return p.caller.Send(EventError, b)
}
