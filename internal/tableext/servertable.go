package tableext

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/hubcore/internal/lru"
	"github.com/streamspace-dev/hubcore/internal/session"
	"github.com/streamspace-dev/hubcore/internal/table"
)

const defaultCacheSize = 512

// defaultSaveInterval is used when New is given a non-positive
// interval, so a zero-value caller still gets a sane debounce.
const defaultSaveInterval = 30 * time.Second

// TableListener observes a ServerTable's mutations. SessionTableHandler
// is the only implementation that ships with this package; server-side
// callers that want to react to table changes directly may implement
// it themselves.
type TableListener[T any] interface {
	OnAdd(items map[string]T)
	OnUpdate(items map[string]T)
	OnRemove(items map[string]T)
	OnClear()
}

// ServerTable is the authoritative, replicated key→T dictionary. The
// adapter is the source of truth; the cache (if enabled) is a
// consistency-preserving view kept no larger than info.CacheSize.
type ServerTable[T any] struct {
	info         Info
	adapter      table.Adapter
	serializer   Serializer[T]
	log          zerolog.Logger
	saveInterval time.Duration

	mu        sync.Mutex
	cache     *lru.Cache[T]
	listeners []TableListener[T]
	handlers  map[*session.Session]*SessionTableHandler[T]

	saveMu      sync.Mutex
	changed     bool
	saveRunning bool
}

// New builds a ServerTable bound to adapter. Caller owns the adapter's
// lifetime (Extension.openAdapter, reached from Register and
// RegisterFromInfo, opens one adapter per table directory and hands it
// here). saveInterval is the delay between the table being marked
// changed and the next adapter Store() call, and the minimum spacing
// between Store() calls, coalescing bursts of mutations into one
// periodic flush; a non-positive value falls back to
// defaultSaveInterval.
func New[T any](info Info, adapter table.Adapter, serializer Serializer[T], saveInterval time.Duration, log zerolog.Logger) *ServerTable[T] {
	if saveInterval <= 0 {
		saveInterval = defaultSaveInterval
	}
	t := &ServerTable[T]{
		info:         info,
		adapter:      adapter,
		serializer:   serializer,
		log:          log,
		saveInterval: saveInterval,
		handlers:     make(map[*session.Session]*SessionTableHandler[T]),
	}
	if info.Cache {
		size := info.CacheSize
		if size <= 0 {
			size = defaultCacheSize
		}
		t.cache = lru.New[T](size)
	}
	return t
}

// Key returns the table's wire identity, extension:name.
func (t *ServerTable[T]) Key() string { return t.info.Key() }

// Info returns the table's declared configuration.
func (t *ServerTable[T]) Info() Info { return t.info }

// AddListener appends l; delivery order is append order.
func (t *ServerTable[T]) AddListener(l TableListener[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// RemoveListener removes the first listener equal to l, if any.
func (t *ServerTable[T]) RemoveListener(l TableListener[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.listeners {
		if existing == l {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Attach binds s to this table: a SessionTableHandler is created and
// registered as a listener, so subsequent mutations replicate to s.
// Idempotent — attaching an already-attached session is a no-op.
func (t *ServerTable[T]) Attach(s *session.Session) {
	t.mu.Lock()
	if _, ok := t.handlers[s]; ok {
		t.mu.Unlock()
		return
	}
	handler := NewSessionTableHandler(t.info, s, t.serializer)
	t.handlers[s] = handler
	t.mu.Unlock()

	t.AddListener(handler)
}

// Detach unbinds s, if it was attached.
func (t *ServerTable[T]) Detach(s *session.Session) {
	t.mu.Lock()
	handler, ok := t.handlers[s]
	if ok {
		delete(t.handlers, s)
	}
	t.mu.Unlock()

	if ok {
		t.RemoveListener(handler)
	}
}

func (t *ServerTable[T]) snapshotListeners() []TableListener[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TableListener[T](nil), t.listeners...)
}

func (t *ServerTable[T]) updateCache(items map[string]T) {
	if t.cache == nil {
		return
	}
	for k, v := range items {
		t.cache.Put(k, v)
	}
}

// Get returns the item at key, checking the cache first.
func (t *ServerTable[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if t.cache != nil {
		if v, ok := t.cache.Get(key); ok {
			return v, true, nil
		}
	}
	raw, ok, err := t.adapter.Get(ctx, key)
	if err != nil {
		return zero, false, fmt.Errorf("tableext: get %q: %w", key, err)
	}
	if !ok {
		return zero, false, nil
	}
	v, err := t.serializer.Unmarshal(raw)
	if err != nil {
		return zero, false, fmt.Errorf("tableext: decode %q: %w", key, err)
	}
	t.updateCache(map[string]T{key: v})
	return v, true, nil
}

// GetAll returns every cached/found item among keys, missing keys
// omitted. A full cache hit across every key returns directly;
// otherwise the whole key set is refetched from the adapter (not just
// the misses), keeping cache entries and adapter state from silently
// diverging.
func (t *ServerTable[T]) GetAll(ctx context.Context, keys []string) (map[string]T, error) {
	items := make(map[string]T, len(keys))
	if t.cache != nil {
		for _, k := range keys {
			if v, ok := t.cache.Get(k); ok {
				items[k] = v
			}
		}
		if len(items) == len(keys) {
			return items, nil
		}
	}

	raws, err := t.adapter.GetAll(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("tableext: get all: %w", err)
	}
	items = make(map[string]T, len(raws))
	for k, raw := range raws {
		v, err := t.serializer.Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("tableext: decode %q: %w", k, err)
		}
		items[k] = v
	}
	t.updateCache(items)
	return items, nil
}

func (t *ServerTable[T]) marshalAll(items map[string]T) (map[string]json.RawMessage, error) {
	raws := make(map[string]json.RawMessage, len(items))
	for k, v := range items {
		raw, err := t.serializer.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("tableext: encode %q: %w", k, err)
		}
		raws[k] = raw
	}
	return raws, nil
}

// Add upserts items, notifies listeners with OnAdd, and marks the
// table changed.
func (t *ServerTable[T]) Add(ctx context.Context, items map[string]T) error {
	raws, err := t.marshalAll(items)
	if err != nil {
		return err
	}
	if err := t.adapter.SetAll(ctx, raws); err != nil {
		return fmt.Errorf("tableext: add: %w", err)
	}
	t.updateCache(items)
	for _, l := range t.snapshotListeners() {
		l.OnAdd(items)
	}
	t.markChanged()
	return nil
}

// Update upserts items, notifies listeners with OnUpdate, and marks
// the table changed. Identical to Add on the adapter; the two exist
// separately only so subscribers can distinguish "new" from "changed".
func (t *ServerTable[T]) Update(ctx context.Context, items map[string]T) error {
	raws, err := t.marshalAll(items)
	if err != nil {
		return err
	}
	if err := t.adapter.SetAll(ctx, raws); err != nil {
		return fmt.Errorf("tableext: update: %w", err)
	}
	t.updateCache(items)
	for _, l := range t.snapshotListeners() {
		l.OnUpdate(items)
	}
	t.markChanged()
	return nil
}

// Remove reads the current values of keys (for the OnRemove payload),
// deletes them from the adapter and cache, and notifies listeners.
// Unknown keys are silently ignored.
func (t *ServerTable[T]) Remove(ctx context.Context, keys []string) error {
	raws, err := t.adapter.GetAll(ctx, keys)
	if err != nil {
		return fmt.Errorf("tableext: remove: read: %w", err)
	}
	removed := make(map[string]T, len(raws))
	for k, raw := range raws {
		v, err := t.serializer.Unmarshal(raw)
		if err != nil {
			return fmt.Errorf("tableext: remove: decode %q: %w", k, err)
		}
		removed[k] = v
	}

	if err := t.adapter.RemoveAll(ctx, keys); err != nil {
		return fmt.Errorf("tableext: remove: %w", err)
	}
	if t.cache != nil {
		for k := range removed {
			t.cache.Delete(k)
		}
	}
	for _, l := range t.snapshotListeners() {
		l.OnRemove(removed)
	}
	t.markChanged()
	return nil
}

// Clear empties the table and cache, and notifies listeners.
func (t *ServerTable[T]) Clear(ctx context.Context) error {
	if err := t.adapter.Clear(ctx); err != nil {
		return fmt.Errorf("tableext: clear: %w", err)
	}
	if t.cache != nil {
		t.cache.Clear()
	}
	for _, l := range t.snapshotListeners() {
		l.OnClear()
	}
	t.markChanged()
	return nil
}

// Fetch returns up to |limit| items. A positive limit scans forward, a
// negative limit scans backward (magnitude is the page size); cursor,
// when non-nil, is strict in the scan direction. A nil cursor is
// inclusive of the adapter's First()/Last(). Results populate the
// cache.
func (t *ServerTable[T]) Fetch(ctx context.Context, limit int, cursor *string) (map[string]T, error) {
	if limit == 0 {
		return map[string]T{}, nil
	}

	var pairs []table.Pair
	var err error
	if limit > 0 {
		pairs, err = t.adapter.FetchForward(ctx, limit, cursor)
	} else {
		pairs, err = t.adapter.FetchBackward(ctx, -limit, cursor)
	}
	if err != nil {
		return nil, fmt.Errorf("tableext: fetch: %w", err)
	}

	items := make(map[string]T, len(pairs))
	for _, p := range pairs {
		v, err := t.serializer.Unmarshal(p.Value)
		if err != nil {
			return nil, fmt.Errorf("tableext: fetch: decode %q: %w", p.Key, err)
		}
		items[p.Key] = v
	}
	t.updateCache(items)
	return items, nil
}

// FetchOrdered is Fetch plus the scan-ordered key slice, used by
// Iterator to find the next page's cursor without depending on Go's
// unordered map iteration.
func (t *ServerTable[T]) FetchOrdered(ctx context.Context, limit int, cursor *string) ([]string, map[string]T, error) {
	if limit == 0 {
		return nil, map[string]T{}, nil
	}

	var pairs []table.Pair
	var err error
	if limit > 0 {
		pairs, err = t.adapter.FetchForward(ctx, limit, cursor)
	} else {
		pairs, err = t.adapter.FetchBackward(ctx, -limit, cursor)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("tableext: fetch: %w", err)
	}

	keys := make([]string, 0, len(pairs))
	items := make(map[string]T, len(pairs))
	for _, p := range pairs {
		v, err := t.serializer.Unmarshal(p.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("tableext: fetch: decode %q: %w", p.Key, err)
		}
		keys = append(keys, p.Key)
		items[p.Key] = v
	}
	t.updateCache(items)
	return keys, items, nil
}

// Iterator pages the whole table forward, cache_size items per page
// (default 512), stopping on the first empty page, and calls yield for
// every item in the adapter's scan order. yield returning false stops
// iteration early.
func (t *ServerTable[T]) Iterator(ctx context.Context, yield func(key string, value T) bool) error {
	pageSize := t.info.CacheSize
	if pageSize <= 0 {
		pageSize = defaultCacheSize
	}

	var cursor *string
	for {
		keys, items, err := t.FetchOrdered(ctx, pageSize, cursor)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		for _, k := range keys {
			if !yield(k, items[k]) {
				return nil
			}
		}
		last := keys[len(keys)-1]
		cursor = &last
	}
}

// Size returns the table's total persisted item count — the adapter's
// count, not the (possibly partial) cache size.
func (t *ServerTable[T]) Size(ctx context.Context) (int, error) {
	n, err := t.adapter.Size(ctx)
	if err != nil {
		return 0, fmt.Errorf("tableext: size: %w", err)
	}
	return n, nil
}

// Load rehydrates the adapter's in-memory state (a no-op for adapters
// that commit continuously).
func (t *ServerTable[T]) Load(ctx context.Context) error {
	if err := t.adapter.Load(ctx); err != nil {
		return fmt.Errorf("tableext: load: %w", err)
	}
	return nil
}

// Save flushes the adapter immediately, bypassing the debounce. Used
// at shutdown, where every table must persist before the process
// exits regardless of the dirty flag's timing.
func (t *ServerTable[T]) Save(ctx context.Context) error {
	if err := t.adapter.Store(ctx); err != nil {
		return fmt.Errorf("tableext: save: %w", err)
	}
	return nil
}

// markChanged sets the dirty flag and, if no save loop is already
// running, starts one. Exactly one save loop runs per table at a time;
// mutations that arrive while it is sleeping are picked up on its next
// wake rather than spawning a second loop.
func (t *ServerTable[T]) markChanged() {
	t.saveMu.Lock()
	defer t.saveMu.Unlock()
	t.changed = true
	if !t.saveRunning {
		t.saveRunning = true
		go t.saveLoop()
	}
}

func (t *ServerTable[T]) saveLoop() {
	for {
		time.Sleep(t.saveInterval)

		t.saveMu.Lock()
		if !t.changed {
			t.saveRunning = false
			t.saveMu.Unlock()
			return
		}
		t.changed = false
		t.saveMu.Unlock()

		if err := t.adapter.Store(context.Background()); err != nil {
			t.log.Error().Err(err).Str("table", t.info.Key()).Msg("table save failed; leaving dirty flag set for retry")
			t.saveMu.Lock()
			t.changed = true
			t.saveMu.Unlock()
		}
	}
}

// The methods below bridge ServerTable[T] to the type-erased
// tableHandle interface Extension keeps its registry as: every table,
// regardless of item type T, is reachable uniformly from a wire event
// or endpoint call carrying raw JSON.

func (t *ServerTable[T]) decodeAll(raws map[string]json.RawMessage) (map[string]T, error) {
	items := make(map[string]T, len(raws))
	for k, raw := range raws {
		v, err := t.serializer.Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("tableext: decode %q: %w", k, err)
		}
		items[k] = v
	}
	return items, nil
}

// HandleItemAdd implements tableHandle.
func (t *ServerTable[T]) HandleItemAdd(ctx context.Context, raws map[string]json.RawMessage) error {
	items, err := t.decodeAll(raws)
	if err != nil {
		return err
	}
	return t.Add(ctx, items)
}

// HandleItemUpdate implements tableHandle.
func (t *ServerTable[T]) HandleItemUpdate(ctx context.Context, raws map[string]json.RawMessage) error {
	items, err := t.decodeAll(raws)
	if err != nil {
		return err
	}
	return t.Update(ctx, items)
}

// HandleItemRemove implements tableHandle.
func (t *ServerTable[T]) HandleItemRemove(ctx context.Context, keys []string) error {
	return t.Remove(ctx, keys)
}

// HandleItemClear implements tableHandle.
func (t *ServerTable[T]) HandleItemClear(ctx context.Context) error {
	return t.Clear(ctx)
}

// FetchRaw implements tableHandle.
func (t *ServerTable[T]) FetchRaw(ctx context.Context, limit int, cursor *string) (map[string]json.RawMessage, error) {
	items, err := t.Fetch(ctx, limit, cursor)
	if err != nil {
		return nil, err
	}
	return t.marshalAll(items)
}

// GetAllRaw implements tableHandle.
func (t *ServerTable[T]) GetAllRaw(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	items, err := t.GetAll(ctx, keys)
	if err != nil {
		return nil, err
	}
	return t.marshalAll(items)
}

// SizeRaw implements tableHandle.
func (t *ServerTable[T]) SizeRaw(ctx context.Context) (int, error) {
	return t.Size(ctx)
}
