package eventbus

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/hubcore/internal/app"
	"github.com/streamspace-dev/hubcore/internal/session"
	"github.com/streamspace-dev/hubcore/internal/wire"
)

type greeting struct {
	Message string `json:"message"`
}

func testSession(t *testing.T) *session.Session {
	t.Helper()
	data, err := json.Marshal(app.App{Name: "a", Group: "b"})
	require.NoError(t, err)
	env, err := json.Marshal(wire.Envelope{Type: "handshake", Data: data})
	require.NoError(t, err)

	ft := &handshakeOnlyTransport{frame: env}
	s, err := session.Create(ft, zerolog.Nop())
	require.NoError(t, err)
	return s
}

type handshakeOnlyTransport struct {
	frame []byte
	read  bool
}

func (t *handshakeOnlyTransport) ReadMessage() ([]byte, error) {
	if !t.read {
		t.read = true
		return t.frame, nil
	}
	return nil, errNoMoreFrames
}
func (t *handshakeOnlyTransport) WriteMessage([]byte) error { return nil }
func (t *handshakeOnlyTransport) Close() error               { return nil }

var errNoMoreFrames = assertErr("no more frames")

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestRegisterRejectsDuplicate(t *testing.T) {
	b := New(zerolog.Nop())
	require.NoError(t, b.Register("greeting"))
	err := b.Register("greeting")
	require.Error(t, err)
}

func TestDispatchDropsUnknownType(t *testing.T) {
	b := New(zerolog.Nop())
	s := testSession(t)

	called := false
	et := NewEventType[greeting]("greeting")
	AddListener(b, et, func(*session.Session, greeting) { called = true })

	b.Dispatch(s, wire.Envelope{Type: "unregistered", Data: json.RawMessage(`{}`)})
	assert.False(t, called)
}

func TestDispatchFansOutInRegistrationOrder(t *testing.T) {
	b := New(zerolog.Nop())
	require.NoError(t, b.Register("greeting"))
	s := testSession(t)

	var order []int
	et := NewEventType[greeting]("greeting")
	AddListener(b, et, func(*session.Session, greeting) { order = append(order, 1) })
	AddListener(b, et, func(*session.Session, greeting) { order = append(order, 2) })
	AddListener(b, et, func(*session.Session, greeting) { order = append(order, 3) })

	data, err := json.Marshal(greeting{Message: "hi"})
	require.NoError(t, err)
	b.Dispatch(s, wire.Envelope{Type: "greeting", Data: data})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestDispatchRecoversListenerPanic(t *testing.T) {
	b := New(zerolog.Nop())
	require.NoError(t, b.Register("greeting"))
	s := testSession(t)

	var secondCalled bool
	et := NewEventType[greeting]("greeting")
	AddListener(b, et, func(*session.Session, greeting) { panic("boom") })
	AddListener(b, et, func(*session.Session, greeting) { secondCalled = true })

	data, err := json.Marshal(greeting{Message: "hi"})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		b.Dispatch(s, wire.Envelope{Type: "greeting", Data: data})
	})
	assert.True(t, secondCalled, "a panicking listener must not stop delivery to the rest")
}

func TestAddListenerDropsUndecodablePayload(t *testing.T) {
	b := New(zerolog.Nop())
	require.NoError(t, b.Register("greeting"))
	s := testSession(t)

	called := false
	et := NewEventType[greeting]("greeting")
	AddListener(b, et, func(*session.Session, greeting) { called = true })

	b.Dispatch(s, wire.Envelope{Type: "greeting", Data: json.RawMessage(`not json`)})
	assert.False(t, called)
}
