package tableext

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/hubcore/internal/app"
	"github.com/streamspace-dev/hubcore/internal/eventbus"
	"github.com/streamspace-dev/hubcore/internal/session"
	"github.com/streamspace-dev/hubcore/internal/wire"
)

type stubBinder struct{}

func (stubBinder) BindServerEndpoint(string, func(context.Context, *session.Session, json.RawMessage) (json.RawMessage, error)) error {
	return nil
}

func newTestExtension(t *testing.T) (*Extension, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(zerolog.Nop())
	ext, err := New(bus, stubBinder{}, t.TempDir(), time.Minute, zerolog.Nop())
	require.NoError(t, err)
	return ext, bus
}

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

func dispatch(t *testing.T, bus *eventbus.Bus, s *session.Session, eventType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	bus.Dispatch(s, wire.Envelope{Type: eventType, Data: raw})
}

func TestTableListenWireShapeIsBareString(t *testing.T) {
	ext, bus := newTestExtension(t)
	a, _ := newTestSession(t, "studio", "a")

	dispatch(t, bus, a, EventRegister, Info{Extension: "ext", Name: "t"})
	// table/listen's data is a bare JSON string ("ext:t"), not
	// {"type":"ext:t"} — dispatching it through the real bus (instead
	// of calling onTableListen directly) exercises the actual JSON
	// decode path.
	dispatch(t, bus, a, EventListen, "ext:t")

	ext.mu.Lock()
	tb, ok := ext.tables["ext:t"]
	ext.mu.Unlock()
	require.True(t, ok)

	st, ok := tb.(*ServerTable[json.RawMessage])
	require.True(t, ok)
	_, attached := st.handlers[a]
	assert.True(t, attached, "table/listen must attach the session so later mutations echo to it")
}

func TestTableEchoScenario(t *testing.T) {
	_, bus := newTestExtension(t)
	a, aTransport := newTestSession(t, "studio", "a")
	b, _ := newTestSession(t, "studio", "b")

	dispatch(t, bus, a, EventRegister, Info{Extension: "ext", Name: "t"})
	dispatch(t, bus, a, EventListen, "ext:t")
	dispatch(t, bus, b, EventRegister, Info{Extension: "ext", Name: "t"})

	dispatch(t, bus, b, EventItemAdd, ItemsPayload{
		Type:  "ext:t",
		Items: map[string]json.RawMessage{"k": json.RawMessage(`{"v":1}`)},
	})

	require.Len(t, aTransport.writes, 1, "client A must receive the item_add echo")
	assert.Equal(t, EventItemAdd, aTransport.writes[0].Type)
	var payload ItemsPayload
	require.NoError(t, json.Unmarshal(aTransport.writes[0].Data, &payload))
	assert.Equal(t, "ext:t", payload.Type)
	assert.JSONEq(t, `{"v":1}`, string(payload.Items["k"]))
}

func TestTableListenForUnknownTableIsANoop(t *testing.T) {
	ext, bus := newTestExtension(t)
	a, _ := newTestSession(t, "studio", "a")

	dispatch(t, bus, a, EventListen, "missing:table")

	ext.mu.Lock()
	defer ext.mu.Unlock()
	_, ok := ext.tables["missing:table"]
	assert.False(t, ok)
}
