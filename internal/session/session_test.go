package session

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/hubcore/internal/wire"
)

// fakeTransport is an in-memory Transport: reads are served from a
// queue (an error once the queue is empty), writes are recorded, and
// Close is idempotent and makes subsequent WriteMessage calls fail.
type fakeTransport struct {
	mu      sync.Mutex
	reads   [][]byte
	readErr error
	writes  [][]byte
	closed  bool
}

func newFakeTransport(reads ...[]byte) *fakeTransport {
	return &fakeTransport{reads: reads}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reads) == 0 {
		if f.readErr != nil {
			return nil, f.readErr
		}
		return nil, errors.New("fakeTransport: no more frames")
	}
	msg := f.reads[0]
	f.reads = f.reads[1:]
	return msg, nil
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("fakeTransport: closed")
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func handshakeFrame(t *testing.T, name, group string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]string{"name": name, "group": group})
	require.NoError(t, err)
	env, err := json.Marshal(map[string]any{"type": "handshake", "data": json.RawMessage(data)})
	require.NoError(t, err)
	return env
}

func TestCreateSuccessfulHandshake(t *testing.T) {
	ft := newFakeTransport(handshakeFrame(t, "editor", "studio"))
	s, err := Create(ft, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "studio/editor", s.App().Key())
	assert.False(t, s.Closed())
}

func TestCreateRejectsMissingFields(t *testing.T) {
	ft := newFakeTransport([]byte(`{"type":"handshake","data":{"name":""}}`))
	_, err := Create(ft, zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadHandshake)
	assert.True(t, ft.closed, "transport must be closed on a failed handshake")
}

func TestCreateRejectsMalformedFrame(t *testing.T) {
	ft := newFakeTransport([]byte(`not json`))
	_, err := Create(ft, zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadHandshake)
}

func TestSendAfterCloseFails(t *testing.T) {
	ft := newFakeTransport(handshakeFrame(t, "a", "b"))
	s, err := Create(ft, zerolog.Nop())
	require.NoError(t, err)

	s.Disconnect()
	err = s.Send("x", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSendWritesEnvelope(t *testing.T) {
	ft := newFakeTransport(handshakeFrame(t, "a", "b"))
	s, err := Create(ft, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Send("greeting", json.RawMessage(`{"hi":true}`)))
	require.Len(t, ft.writes, 1)
	assert.JSONEq(t, `{"type":"greeting","data":{"hi":true}}`, string(ft.writes[0]))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ft := newFakeTransport(handshakeFrame(t, "a", "b"))
	s, err := Create(ft, zerolog.Nop())
	require.NoError(t, err)

	var calls int
	s.AddListener(listenerFunc(func(*Session) { calls++ }))

	s.Disconnect()
	s.Disconnect()
	s.Disconnect()

	assert.Equal(t, 1, calls, "listener must fire exactly once across repeated Disconnect calls")
	assert.True(t, s.Closed())
}

type listenerFunc func(*Session)

func (f listenerFunc) OnDisconnected(s *Session) { f(s) }

type dispatcherFunc func(*Session, wire.Envelope)

func (f dispatcherFunc) Dispatch(s *Session, env wire.Envelope) { f(s, env) }

func TestListenDispatchesThenEndsInDisconnect(t *testing.T) {
	ft := newFakeTransport(
		handshakeFrame(t, "a", "b"),
		[]byte(`{"type":"ping","data":{}}`),
	)
	s, err := Create(ft, zerolog.Nop())
	require.NoError(t, err)

	var got []string
	done := make(chan struct{})
	s.AddListener(listenerFunc(func(*Session) { close(done) }))

	go s.Listen(dispatcherFunc(func(_ *Session, env wire.Envelope) {
		got = append(got, env.Type)
	}))

	<-done
	assert.True(t, s.Closed())
	assert.Equal(t, []string{"ping"}, got)
}

func TestListenSkipsMalformedFrames(t *testing.T) {
	ft := newFakeTransport(
		handshakeFrame(t, "a", "b"),
		[]byte(`not json`),
		[]byte(`{"type":"ping","data":{}}`),
	)
	s, err := Create(ft, zerolog.Nop())
	require.NoError(t, err)

	var got []string
	done := make(chan struct{})
	s.AddListener(listenerFunc(func(*Session) { close(done) }))

	go s.Listen(dispatcherFunc(func(_ *Session, env wire.Envelope) {
		got = append(got, env.Type)
	}))

	<-done
	assert.Equal(t, []string{"ping"}, got, "the malformed frame must be dropped, not dispatched")
}
