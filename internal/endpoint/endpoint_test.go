package endpoint

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/hubcore/internal/app"
	"github.com/streamspace-dev/hubcore/internal/eventbus"
	"github.com/streamspace-dev/hubcore/internal/session"
	"github.com/streamspace-dev/hubcore/internal/wire"
)

// trackingTransport serves one handshake frame, then records every
// subsequent outbound write for inspection.
type trackingTransport struct {
	handshake []byte
	consumed  bool
	writes    []wire.Envelope
}

func (t *trackingTransport) ReadMessage() ([]byte, error) {
	if !t.consumed {
		t.consumed = true
		return t.handshake, nil
	}
	<-make(chan struct{})
	return nil, nil
}

func (t *trackingTransport) WriteMessage(data []byte) error {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	t.writes = append(t.writes, env)
	return nil
}

func (t *trackingTransport) Close() error { return nil }

func newTestSession(t *testing.T, group, name string) (*session.Session, *trackingTransport) {
	t.Helper()
	data, err := json.Marshal(app.App{Name: name, Group: group})
	require.NoError(t, err)
	env, err := json.Marshal(wire.Envelope{Type: "handshake", Data: data})
	require.NoError(t, err)

	tt := &trackingTransport{handshake: env}
	s, err := session.Create(tt, zerolog.Nop())
	require.NoError(t, err)
	return s, tt
}

func newExtension(t *testing.T) *Extension {
	t.Helper()
	bus := eventbus.New(zerolog.Nop())
	ext, err := New(bus, "@every 1h", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { ext.OnShutdown() })
	return ext
}

func TestBindServerEndpointRejectsDuplicateKey(t *testing.T) {
	ext := newExtension(t)
	handler := func(context.Context, *session.Session, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}
	require.NoError(t, ext.BindServerEndpoint("dup", handler))
	err := ext.BindServerEndpoint("dup", handler)
	assert.Error(t, err)
}

func TestCallUnknownEndpointRepliesNotFound(t *testing.T) {
	ext := newExtension(t)
	caller, transport := newTestSession(t, "g", "caller")

	ext.onEndpointCall(caller, CallPayload{Type: "missing", Key: "k", Data: json.RawMessage(`{}`)})

	require.Len(t, transport.writes, 1)
	assert.Equal(t, EventError, transport.writes[0].Type)
	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(transport.writes[0].Data, &errPayload))
	assert.Equal(t, "Endpoint not found", errPayload.Error)
}

func TestServerEndpointCallDeliversReceive(t *testing.T) {
	ext := newExtension(t)
	caller, transport := newTestSession(t, "g", "caller")

	require.NoError(t, ext.BindServerEndpoint("echo", func(_ context.Context, _ *session.Session, req json.RawMessage) (json.RawMessage, error) {
		return req, nil
	}))

	ext.onEndpointCall(caller, CallPayload{Type: "echo", Key: "1", Data: json.RawMessage(`{"a":1}`)})

	require.Len(t, transport.writes, 1)
	assert.Equal(t, EventReceive, transport.writes[0].Type)
	var payload CallPayload
	require.NoError(t, json.Unmarshal(transport.writes[0].Data, &payload))
	assert.JSONEq(t, `{"a":1}`, string(payload.Data))
}

func TestRegisteredEndpointIsImmediatelyCallable(t *testing.T) {
	ext := newExtension(t)
	provider, providerTransport := newTestSession(t, "g", "provider")
	caller, _ := newTestSession(t, "g", "caller")

	info := Info{EndpointKey: "remote-thing"}
	ext.onEndpointRegister(provider, info)

	ext.onEndpointCall(caller, CallPayload{Type: info.Key(), Key: "1", Data: json.RawMessage(`{}`)})

	require.Len(t, providerTransport.writes, 1, "the registering session must receive the forwarded call")
	assert.Equal(t, EventCall, providerTransport.writes[0].Type)
}

func TestOrphanedReceiveRepliesToResponder(t *testing.T) {
	ext := newExtension(t)
	responder, transport := newTestSession(t, "g", "responder")

	ext.onEndpointReceive(responder, CallPayload{Type: "x", Key: "nope", Data: json.RawMessage(`{}`)})

	require.Len(t, transport.writes, 1)
	assert.Equal(t, EventError, transport.writes[0].Type)
	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(transport.writes[0].Data, &errPayload))
	assert.Equal(t, "Endpoint not connected", errPayload.Error)
}

func TestCallToRegisteredButDisconnectedProviderRepliesNotConnected(t *testing.T) {
	ext := newExtension(t)
	provider, _ := newTestSession(t, "g", "provider")
	caller, callerTransport := newTestSession(t, "g", "caller")

	info := Info{EndpointKey: "remote-thing"}
	ext.onEndpointRegister(provider, info)
	provider.Disconnect()

	ext.onEndpointCall(caller, CallPayload{Type: info.Key(), Key: "1", Data: json.RawMessage(`{}`)})

	require.Len(t, callerTransport.writes, 1, "the caller must get a reply even though the provider is gone")
	assert.Equal(t, EventError, callerTransport.writes[0].Type)
	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(callerTransport.writes[0].Data, &errPayload))
	assert.Equal(t, "Endpoint not connected", errPayload.Error)
}

func TestOnDisconnectedPurgesCallerEntries(t *testing.T) {
	ext := newExtension(t)
	caller, _ := newTestSession(t, "g", "caller")

	require.NoError(t, ext.BindServerEndpoint("echo", func(_ context.Context, _ *session.Session, req json.RawMessage) (json.RawMessage, error) {
		return req, nil
	}))
	ext.onEndpointCall(caller, CallPayload{Type: "echo", Key: "1", Data: json.RawMessage(`{}`)})

	ext.mu.Lock()
	_, tracked := ext.bySession[caller]
	ext.mu.Unlock()
	require.True(t, tracked)

	ext.OnDisconnected(caller)

	ext.mu.Lock()
	defer ext.mu.Unlock()
	_, stillTracked := ext.bySession[caller]
	assert.False(t, stillTracked)
}

func TestCorrelationKeyFormat(t *testing.T) {
	assert.Equal(t, "echo:1", correlationKey("echo", "1"))
}
