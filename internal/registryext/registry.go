package registryext

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/hubcore/internal/session"
	"github.com/streamspace-dev/hubcore/internal/table"
)

// valueKey is the single adapter entry a registry ever stores under —
// a registry is the degenerate, one-slot case of a replicated table.
const valueKey = "value"

// defaultSaveInterval is used when newRegistry is given a non-positive
// interval.
const defaultSaveInterval = 30 * time.Second

// registry is one persisted key→JSON singleton value: the adapter is
// the authority, attached sessions are pushed every subsequent update.
// Unlike a ServerTable, there is exactly one slot and no cache —
// reads go through the in-memory value so a fresh attach sees the
// latest write without an adapter round-trip.
type registry struct {
	key          string
	adapter      table.Adapter
	log          zerolog.Logger
	saveInterval time.Duration

	mu       sync.Mutex
	value    json.RawMessage
	sessions map[*session.Session]bool

	saveMu      sync.Mutex
	changed     bool
	saveRunning bool
}

func newRegistry(key string, adapter table.Adapter, saveInterval time.Duration, log zerolog.Logger) *registry {
	if saveInterval <= 0 {
		saveInterval = defaultSaveInterval
	}
	return &registry{
		key:          key,
		adapter:      adapter,
		log:          log,
		saveInterval: saveInterval,
		sessions:     make(map[*session.Session]bool),
	}
}

// Load rehydrates value from the adapter, if one was ever stored.
func (r *registry) Load(ctx context.Context) error {
	if err := r.adapter.Load(ctx); err != nil {
		return fmt.Errorf("registryext: load: %w", err)
	}
	raw, ok, err := r.adapter.Get(ctx, valueKey)
	if err != nil {
		return fmt.Errorf("registryext: load: %w", err)
	}
	if ok {
		r.mu.Lock()
		r.value = raw
		r.mu.Unlock()
	}
	return nil
}

// Get returns the current value, or JSON null if none has ever been
// stored.
func (r *registry) Get() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.value == nil {
		return json.RawMessage("null")
	}
	return r.value
}

// Attach subscribes s to future updates. Idempotent.
func (r *registry) Attach(s *session.Session) {
	r.mu.Lock()
	r.sessions[s] = true
	r.mu.Unlock()
}

// Detach unsubscribes s.
func (r *registry) Detach(s *session.Session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
}

// Store persists value, updates the in-memory copy, and broadcasts it
// to every attached session (including the one that sent it, matching
// a table's own item_add/item_update echo behavior).
func (r *registry) Store(ctx context.Context, value json.RawMessage) error {
	if err := r.adapter.Set(ctx, valueKey, value); err != nil {
		return fmt.Errorf("registryext: store: %w", err)
	}

	r.mu.Lock()
	r.value = value
	targets := make([]*session.Session, 0, len(r.sessions))
	for s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	r.broadcast(targets, value)
	r.markChanged()
	return nil
}

func (r *registry) broadcast(targets []*session.Session, value json.RawMessage) {
	data, err := json.Marshal(UpdatePayload{Key: r.key, Value: value})
	if err != nil {
		r.log.Error().Err(err).Str("registry", r.key).Msg("failed to encode registry update")
		return
	}
	for _, s := range targets {
		if err := s.Send(EventUpdate, data); err != nil {
			// A send failure means the transport is going or gone; the
			// session's own read loop will observe the close and fire
			// Detach through Extension's OnDisconnected path.
			continue
		}
	}
}

// Save flushes the adapter immediately, bypassing the debounce.
func (r *registry) Save(ctx context.Context) error {
	if err := r.adapter.Store(ctx); err != nil {
		return fmt.Errorf("registryext: save: %w", err)
	}
	return nil
}

func (r *registry) markChanged() {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	r.changed = true
	if !r.saveRunning {
		r.saveRunning = true
		go r.saveLoop()
	}
}

func (r *registry) saveLoop() {
	for {
		time.Sleep(r.saveInterval)

		r.saveMu.Lock()
		if !r.changed {
			r.saveRunning = false
			r.saveMu.Unlock()
			return
		}
		r.changed = false
		r.saveMu.Unlock()

		if err := r.adapter.Store(context.Background()); err != nil {
			r.log.Error().Err(err).Str("registry", r.key).Msg("registry save failed; leaving dirty flag set for retry")
			r.saveMu.Lock()
			r.changed = true
			r.saveMu.Unlock()
		}
	}
}
