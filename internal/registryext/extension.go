// Package registryext implements the registry extension: a persisted,
// session-attachable key→JSON singleton value, the one-slot case of
// internal/tableext's replicated table pattern. Where a table holds
// many items under a shared identity, a registry holds exactly one.
package registryext

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/hubcore/internal/eventbus"
	"github.com/streamspace-dev/hubcore/internal/session"
	"github.com/streamspace-dev/hubcore/internal/table/jsonfile"
)

// EndpointBinder is the slice of internal/endpoint's Extension this
// package depends on — kept as a narrow local interface, the same way
// internal/tableext does, so registryext never imports internal/endpoint.
type EndpointBinder interface {
	BindServerEndpoint(key string, handler func(ctx context.Context, caller *session.Session, req json.RawMessage) (json.RawMessage, error)) error
}

// Extension is the registry subsystem: a registry of singleton values
// keyed by "app:name", lazily created on first listen/update/get.
type Extension struct {
	bus          *eventbus.Bus
	dataPath     string
	saveInterval time.Duration
	log          zerolog.Logger

	mu         sync.Mutex
	registries map[string]*registry
}

// New builds the registry extension, registers its event types on
// bus, and binds its endpoint through binder. dataPath is the root
// directory under which every registry's own subdirectory is created
// (dataPath/registry/<app>/<name>/). saveInterval governs each
// registry's debounced save loop.
func New(bus *eventbus.Bus, binder EndpointBinder, dataPath string, saveInterval time.Duration, log zerolog.Logger) (*Extension, error) {
	ext := &Extension{
		bus:          bus,
		dataPath:     dataPath,
		saveInterval: saveInterval,
		log:          log,
		registries:   make(map[string]*registry),
	}

	if err := bus.Register(EventListen, EventUpdate); err != nil {
		return nil, fmt.Errorf("registryext: register events: %w", err)
	}

	listenEvent := eventbus.NewEventType[string](EventListen)
	eventbus.AddListener(bus, listenEvent, ext.onListen)

	updateEvent := eventbus.NewEventType[UpdatePayload](EventUpdate)
	eventbus.AddListener(bus, updateEvent, ext.onUpdate)

	if err := binder.BindServerEndpoint(EndpointGet, ext.handleGet); err != nil {
		return nil, fmt.Errorf("registryext: bind %s: %w", EndpointGet, err)
	}

	return ext, nil
}

// get returns the registry named by key, creating and loading it
// (from dataPath/registry/<app>/<name>/) on first use. key must be of
// the form "app:name", the same identity shape a table carries.
func (e *Extension) get(key string) (*registry, error) {
	app, name, ok := strings.Cut(key, ":")
	if !ok {
		return nil, fmt.Errorf("registryext: invalid registry key %q", key)
	}

	e.mu.Lock()
	if r, exists := e.registries[key]; exists {
		e.mu.Unlock()
		return r, nil
	}
	e.mu.Unlock()

	dir := filepath.Join(e.dataPath, "registry", app, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("registryext: create registry dir: %w", err)
	}
	adapter, err := jsonfile.New(dir)
	if err != nil {
		return nil, fmt.Errorf("registryext: open adapter: %w", err)
	}
	r := newRegistry(key, adapter, e.saveInterval, e.log)
	if err := r.Load(context.Background()); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, exists := e.registries[key]; exists {
		// Lost a creation race: keep the winner, let ours be GC'd.
		return existing, nil
	}
	e.registries[key] = r
	return r, nil
}

func (e *Extension) onListen(s *session.Session, key string) {
	r, err := e.get(key)
	if err != nil {
		e.log.Warn().Err(err).Str("registry", key).Msg("listen for invalid registry")
		return
	}
	r.Attach(s)
}

func (e *Extension) onUpdate(s *session.Session, payload UpdatePayload) {
	r, err := e.get(payload.Key)
	if err != nil {
		e.log.Warn().Err(err).Str("registry", payload.Key).Msg("update for invalid registry")
		return
	}
	if err := r.Store(context.Background(), payload.Value); err != nil {
		e.log.Error().Err(err).Str("registry", payload.Key).Str("app", s.App().Key()).Msg("registry update failed")
	}
}

func (e *Extension) handleGet(_ context.Context, _ *session.Session, req json.RawMessage) (json.RawMessage, error) {
	var key string
	if err := json.Unmarshal(req, &key); err != nil {
		return nil, fmt.Errorf("registryext: invalid get request: %w", err)
	}
	r, err := e.get(key)
	if err != nil {
		return nil, err
	}
	return r.Get(), nil
}

// OnConnected implements network.Listener; registry attachment is
// driven entirely by the registry/listen event, not by connection
// itself.
func (e *Extension) OnConnected(_ *session.Session) {}

// OnDisconnected implements network.Listener: detach s from every
// registry it may have been attached to.
func (e *Extension) OnDisconnected(s *session.Session) {
	e.mu.Lock()
	registries := make([]*registry, 0, len(e.registries))
	for _, r := range e.registries {
		registries = append(registries, r)
	}
	e.mu.Unlock()

	for _, r := range registries {
		r.Detach(s)
	}
}

// OnInitialized implements hubserver's ServerListener. Registries are
// created and loaded lazily on first use, so there is nothing to do at
// startup beyond what get already handles.
func (e *Extension) OnInitialized() {}

// OnShutdown implements hubserver's ServerListener: save every
// registry that has been touched this run.
func (e *Extension) OnShutdown() {
	e.mu.Lock()
	registries := make([]*registry, 0, len(e.registries))
	for _, r := range e.registries {
		registries = append(registries, r)
	}
	e.mu.Unlock()

	for _, r := range registries {
		if err := r.Save(context.Background()); err != nil {
			e.log.Error().Err(err).Str("registry", r.key).Msg("registry save failed at shutdown")
		}
	}
}
