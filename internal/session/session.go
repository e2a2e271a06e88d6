// Package session implements per-connection framing: the handshake,
// the inbound dispatch loop, and serialized outbound sends.
//
// A Session owns exactly one Transport. It is deliberately ignorant of
// gorilla/websocket beyond the small Transport interface so the
// concrete socket library stays a swappable collaborator, matching the
// core's explicit non-goal of not owning the transport's wire details.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/hubcore/internal/app"
	"github.com/streamspace-dev/hubcore/internal/wire"
)

// ErrSessionClosed is returned by Send once a session has disconnected.
var ErrSessionClosed = errors.New("session closed")

// ErrBadHandshake is returned by Create when the first frame isn't a
// valid App.
var ErrBadHandshake = errors.New("invalid handshake")

// Transport is the minimal framing contract a concrete socket library
// must satisfy. ReadMessage/WriteMessage operate on whole text frames.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Listener observes a single session's lifecycle. Used internally by
// the network layer to learn about disconnects for its own session
// map — subsystem-wide connect/disconnect fan-out goes through
// network.Listener instead.
type Listener interface {
	OnDisconnected(s *Session)
}

// Dispatcher receives one decoded inbound frame at a time, in arrival
// order. The event bus implements this.
type Dispatcher interface {
	Dispatch(s *Session, env wire.Envelope)
}

// Session is a single handshaked connection.
type Session struct {
	transport Transport
	app       app.App
	log       zerolog.Logger

	writeMu sync.Mutex // serializes outbound sends (FIFO, also gorilla/websocket's own requirement)

	mu        sync.Mutex
	closed    bool
	listeners []Listener
}

// Create reads exactly one frame from transport and parses it as the
// App handshake. A malformed handshake fails closed: the transport is
// closed and ErrBadHandshake is returned, the session is never handed
// back to the caller.
func Create(transport Transport, log zerolog.Logger) (*Session, error) {
	raw, err := transport.ReadMessage()
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}

	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		transport.Close()
		return nil, fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}

	var a app.App
	if err := json.Unmarshal(env.Data, &a); err != nil || a.Name == "" || a.Group == "" {
		transport.Close()
		return nil, fmt.Errorf("%w: missing name/group", ErrBadHandshake)
	}

	return &Session{
		transport: transport,
		app:       a,
		log:       log.With().Str("app", a.Key()).Logger(),
	}, nil
}

// App returns the handshaked identity. Set once, never mutated.
func (s *Session) App() app.App { return s.app }

// Closed reports whether Disconnect has already run. Monotonic
// false→true.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AddListener registers l to observe this session's disconnect.
func (s *Session) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Send serializes data with the event type's wire name and writes one
// text frame. Concurrent callers are serialized by writeMu so frames
// never interleave and ordering matches call order (FIFO). A blocked
// write — a slow reader on the other end — blocks the caller, which is
// the core's intended backpressure: it throttles whichever producer is
// sending.
func (s *Session) Send(eventType string, data json.RawMessage) error {
	if s.Closed() {
		return ErrSessionClosed
	}

	payload, err := json.Marshal(wire.Envelope{Type: eventType, Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.Closed() {
		return ErrSessionClosed
	}
	if err := s.transport.WriteMessage(payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Listen consumes inbound frames until the transport closes, handing
// each decoded envelope to dispatch in arrival order. A slow dispatch
// blocks subsequent frames for this session only — by design, this is
// the per-session FIFO guarantee. Listen always ends in Disconnect.
func (s *Session) Listen(dispatch Dispatcher) {
	defer s.Disconnect()

	for {
		raw, err := s.transport.ReadMessage()
		if err != nil {
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		dispatch.Dispatch(s, env)
	}
}

// Disconnect is idempotent: the first call closes the transport
// best-effort, flips closed, and notifies every Listener. Subsequent
// calls are no-ops.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	s.transport.Close()

	for _, l := range listeners {
		l.OnDisconnected(s)
	}
}
