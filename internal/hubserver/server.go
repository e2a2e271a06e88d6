// Package hubserver composes every other subsystem into one runnable
// server: the bind address, the session network, the event bus, a
// type-keyed extension registry, and the data directory extensions
// persist under.
package hubserver

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/hubcore/internal/address"
	"github.com/streamspace-dev/hubcore/internal/eventbus"
	"github.com/streamspace-dev/hubcore/internal/network"
)

// ServerListener observes the server's lifecycle. OnInitialized fires
// once, after Start sets running and before it returns; OnShutdown
// fires once, at the start of Shutdown. Both fire on every registered
// listener in registration order.
type ServerListener interface {
	OnInitialized()
	OnShutdown()
}

// Server is the top-level composition root: address, network, bus,
// extension registry and data root. It does not itself accept
// connections — that socket-acceptor responsibility belongs to
// internal/httpserver, which calls Network.Accept for each handshaked
// session — Server only sequences extension lifecycle around it.
type Server struct {
	addr     address.Address
	network  *network.Network
	bus      *eventbus.Bus
	dataPath string
	log      zerolog.Logger

	mu         sync.Mutex
	running    bool
	listeners  []ServerListener
	extensions map[reflect.Type]any
}

// New builds a server bound to addr, persisting extension state under
// dataPath.
func New(addr address.Address, dataPath string, log zerolog.Logger) *Server {
	return &Server{
		addr:       addr,
		network:    network.New(addr, log),
		bus:        eventbus.New(log),
		dataPath:   dataPath,
		log:        log,
		extensions: make(map[reflect.Type]any),
	}
}

func (s *Server) Address() address.Address { return s.addr }
func (s *Server) Network() *network.Network { return s.network }
func (s *Server) Bus() *eventbus.Bus         { return s.bus }
func (s *Server) DataPath() string           { return s.dataPath }

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// AddListener registers l for Start/Shutdown notification, in append
// order.
func (s *Server) AddListener(l ServerListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Register constructs an extension of type T via factory and installs
// it keyed by T's type, rejecting a second registration of the same
// type — a configuration error raised here, at registration time.
// Registration order establishes dependency order: a later extension's
// factory may call Get for an extension registered earlier.
func Register[T any](s *Server, factory func(*Server) (T, error)) (T, error) {
	var zero T
	key := reflect.TypeOf((*T)(nil)).Elem()

	s.mu.Lock()
	if _, exists := s.extensions[key]; exists {
		s.mu.Unlock()
		return zero, fmt.Errorf("hubserver: extension %s already registered", key)
	}
	s.mu.Unlock()

	instance, err := factory(s)
	if err != nil {
		return zero, err
	}

	s.mu.Lock()
	s.extensions[key] = instance
	s.mu.Unlock()
	return instance, nil
}

// Get retrieves the registered extension of type T.
func Get[T any](s *Server) (T, error) {
	var zero T
	key := reflect.TypeOf((*T)(nil)).Elem()

	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.extensions[key]
	if !ok {
		return zero, fmt.Errorf("hubserver: extension %s not registered", key)
	}
	return v.(T), nil
}

// Start flips running and fires OnInitialized on every ServerListener
// in registration order. The network's socket acceptor is started
// separately by internal/httpserver before or after this call; Start
// only sequences extension startup.
func (s *Server) Start() {
	s.mu.Lock()
	s.running = true
	listeners := append([]ServerListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l.OnInitialized()
	}
}

// Shutdown flips running false and fires OnShutdown on every
// ServerListener in registration order.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.running = false
	listeners := append([]ServerListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l.OnShutdown()
	}
}
