// Package network accepts connections, turns them into sessions, and
// fans out connect/disconnect notifications to every other subsystem.
package network

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/hubcore/internal/address"
	"github.com/streamspace-dev/hubcore/internal/session"
)

// Listener observes every session's connect/disconnect, in
// registration order. A listener's error is logged and suppressed —
// it never stops delivery to the remaining listeners.
type Listener interface {
	OnConnected(s *session.Session)
	OnDisconnected(s *session.Session)
}

// Network owns the live-sessions map keyed by App.Key() and the
// registered Listeners. It does not own the socket acceptor itself —
// that's internal/httpserver's job — only what happens once a
// handshake has produced a *session.Session.
type Network struct {
	addr address.Address
	log  zerolog.Logger

	mu        sync.RWMutex
	sessions  map[string]*session.Session
	listeners []Listener
}

// New builds a Network bound to addr.
func New(addr address.Address, log zerolog.Logger) *Network {
	return &Network{
		addr:     addr,
		log:      log,
		sessions: make(map[string]*session.Session),
	}
}

// Address returns the bind address this network was configured with.
func (n *Network) Address() address.Address { return n.addr }

// AddListener appends l; delivery to l happens in this append order,
// relative to the other listeners already registered.
func (n *Network) AddListener(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

// Accept takes a freshly handshaked session, replaces any existing
// session under the same App.Key() (newer wins), records the new one,
// attaches itself to observe the session's disconnect, and fires
// OnConnected on every listener. The caller is expected to then run
// s.Listen(dispatcher) to completion.
func (n *Network) Accept(s *session.Session) {
	key := s.App().Key()

	n.mu.Lock()
	if existing, ok := n.sessions[key]; ok {
		n.log.Warn().Str("app", key).Msg("replacing existing session for app key")
		n.mu.Unlock()
		existing.Disconnect()
		n.mu.Lock()
	}
	n.sessions[key] = s
	listeners := append([]Listener(nil), n.listeners...)
	n.mu.Unlock()

	s.AddListener(n)

	for _, l := range listeners {
		n.safeConnected(l, s)
	}
}

// OnDisconnected implements session.Listener: remove s from the map
// (only if it is still the session on record — a replaced session's
// late disconnect must not evict its replacement) and fan out
// OnDisconnected to every Listener.
func (n *Network) OnDisconnected(s *session.Session) {
	key := s.App().Key()

	n.mu.Lock()
	if n.sessions[key] == s {
		delete(n.sessions, key)
	}
	listeners := append([]Listener(nil), n.listeners...)
	n.mu.Unlock()

	for _, l := range listeners {
		n.safeDisconnected(l, s)
	}
}

func (n *Network) safeConnected(l Listener, s *session.Session) {
	defer n.recoverListener("on_connected", s)
	l.OnConnected(s)
}

func (n *Network) safeDisconnected(l Listener, s *session.Session) {
	defer n.recoverListener("on_disconnected", s)
	l.OnDisconnected(s)
}

func (n *Network) recoverListener(hook string, s *session.Session) {
	if r := recover(); r != nil {
		n.log.Error().Interface("panic", r).Str("hook", hook).Str("app", s.App().Key()).Msg("network listener panicked")
	}
}

// Session looks up the live session for an app key, if any.
func (n *Network) Session(key string) (*session.Session, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.sessions[key]
	return s, ok
}

// Count returns the number of currently live sessions.
func (n *Network) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.sessions)
}
