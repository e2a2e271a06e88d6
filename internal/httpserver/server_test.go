package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/hubcore/internal/address"
	"github.com/streamspace-dev/hubcore/internal/app"
	"github.com/streamspace-dev/hubcore/internal/hubserver"
	"github.com/streamspace-dev/hubcore/internal/wire"
)

func newTestHub(t *testing.T) *hubserver.Server {
	t.Helper()
	hub := hubserver.New(address.Address{Host: "localhost", Port: 0}, t.TempDir(), zerolog.Nop())
	return hub
}

func TestHealthzReflectsHubRunningState(t *testing.T) {
	hub := newTestHub(t)
	srv := New("localhost:0", "/ws", hub, zerolog.Nop())
	ts := httptest.NewServer(srv.httpSrv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	hub.Start()
	defer hub.Shutdown()

	resp2, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestUpgradeRouteAcceptsHandshake(t *testing.T) {
	hub := newTestHub(t)
	hub.Start()
	defer hub.Shutdown()

	srv := New("localhost:0", "/ws", hub, zerolog.Nop())
	ts := httptest.NewServer(srv.httpSrv.Handler)
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wire.Envelope{
		Type: "handshake",
		Data: mustJSON(t, app.App{Name: "client", Group: "studio"}),
	}))

	require.Eventually(t, func() bool {
		return hub.Network().Count() > 0
	}, time.Second, 10*time.Millisecond, "the handshaked session must be accepted into the network")
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
