// Package eventbus implements the typed-event registry and fan-out
// listener model every other subsystem (endpoints, tables) is built
// on: a wire type name is the dispatch key, and a generic wrapper
// composes a per-type JSON (de)serializer with a typed callback.
package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/hubcore/internal/session"
	"github.com/streamspace-dev/hubcore/internal/wire"
)

// EventType names one wire event kind and its payload shape. It
// carries no serializer of its own — JSON (de)serialization of T is
// done by AddListener/Emit through encoding/json, which is sufficient
// for every event kind this core defines (payloads are plain structs).
type EventType[T any] struct {
	Name string
}

// NewEventType names an event kind.
func NewEventType[T any](name string) EventType[T] {
	return EventType[T]{Name: name}
}

type rawListener func(s *session.Session, data json.RawMessage)

// Bus is a per-server typed-event registry with fan-out dispatch.
type Bus struct {
	mu         sync.RWMutex
	registered map[string]bool
	listeners  map[string][]rawListener
	log        zerolog.Logger
}

// New builds an empty bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		registered: make(map[string]bool),
		listeners:  make(map[string][]rawListener),
		log:        log,
	}
}

// Register declares wire type names this bus will dispatch. Each name
// may be registered at most once across the process; re-registering is
// a configuration error, raised here rather than at dispatch time.
func (b *Bus) Register(names ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range names {
		if b.registered[name] {
			return fmt.Errorf("eventbus: event type %q already registered", name)
		}
	}
	for _, name := range names {
		b.registered[name] = true
	}
	return nil
}

// AddListener appends a typed listener for et, deserializing each
// envelope's data with encoding/json before invoking fn. Delivery order
// across all listeners for a type is registration order.
func AddListener[T any](b *Bus, et EventType[T], fn func(s *session.Session, data T)) {
	b.addRaw(et.Name, func(s *session.Session, raw json.RawMessage) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			b.log.Warn().Err(err).Str("type", et.Name).Msg("dropping frame with undecodable payload")
			return
		}
		fn(s, v)
	})
}

func (b *Bus) addRaw(name string, l rawListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[name] = append(b.listeners[name], l)
}

// Dispatch implements session.Dispatcher: look up env.Type, drop
// unknown types, otherwise invoke every listener for that type in
// registration order. Any single listener's panic is recovered and
// logged; it does not stop delivery to the remaining listeners or
// break the session's read loop.
func (b *Bus) Dispatch(s *session.Session, env wire.Envelope) {
	b.mu.RLock()
	known := b.registered[env.Type]
	ls := append([]rawListener(nil), b.listeners[env.Type]...)
	b.mu.RUnlock()

	if !known {
		b.log.Warn().Str("type", env.Type).Str("app", s.App().Key()).Msg("dropping unknown event type")
		return
	}

	for _, l := range ls {
		b.invoke(s, env, l)
	}
}

func (b *Bus) invoke(s *session.Session, env wire.Envelope, l rawListener) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("type", env.Type).Msg("event listener panicked")
		}
	}()
	l(s, env.Data)
}

// Emit serializes data as et's payload and returns the encoded data
// only, ready to hand to session.Send under et.Name; the envelope
// itself is built by Send.
func Emit[T any](et EventType[T], data T) (json.RawMessage, error) {
	return json.Marshal(data)
}
