package tableext

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/hubcore/internal/eventbus"
	"github.com/streamspace-dev/hubcore/internal/session"
	"github.com/streamspace-dev/hubcore/internal/table"
	"github.com/streamspace-dev/hubcore/internal/table/jsonfile"
	"github.com/streamspace-dev/hubcore/internal/table/sqlitekv"
)

// tableHandle is the type-erased view of a ServerTable[T] the
// extension's registry keeps, so tables of different item types can
// share one map and respond to wire events uniformly.
type tableHandle interface {
	Key() string
	Attach(s *session.Session)
	Detach(s *session.Session)
	Load(ctx context.Context) error
	Save(ctx context.Context) error
	HandleItemAdd(ctx context.Context, raws map[string]json.RawMessage) error
	HandleItemUpdate(ctx context.Context, raws map[string]json.RawMessage) error
	HandleItemRemove(ctx context.Context, keys []string) error
	HandleItemClear(ctx context.Context) error
	FetchRaw(ctx context.Context, limit int, cursor *string) (map[string]json.RawMessage, error)
	GetAllRaw(ctx context.Context, keys []string) (map[string]json.RawMessage, error)
	SizeRaw(ctx context.Context) (int, error)
}

// EndpointBinder is the slice of internal/endpoint's Extension this
// package depends on — kept as a narrow local interface so tableext
// never imports internal/endpoint (which itself imports tableext for
// its own endpoints table; a direct import back would cycle).
type EndpointBinder interface {
	BindServerEndpoint(key string, handler func(ctx context.Context, caller *session.Session, req json.RawMessage) (json.RawMessage, error)) error
}

// Extension is the table replication subsystem: a registry of
// ServerTables keyed by Info.Key(), the table/* event handlers, and
// the table/item_* endpoints.
type Extension struct {
	bus          *eventbus.Bus
	endpoint     EndpointBinder
	dataPath     string
	saveInterval time.Duration
	log          zerolog.Logger

	mu     sync.Mutex
	tables map[string]tableHandle
}

// New builds the table extension, registers its event types on bus,
// and binds its endpoints through binder. dataPath is the root
// directory under which every table's own subdirectory is created
// (dataPath/tables/<extension>/<name>/). saveInterval is passed through
// to every ServerTable this extension creates, governing its debounced
// save loop.
func New(bus *eventbus.Bus, binder EndpointBinder, dataPath string, saveInterval time.Duration, log zerolog.Logger) (*Extension, error) {
	ext := &Extension{
		bus:          bus,
		endpoint:     binder,
		dataPath:     dataPath,
		saveInterval: saveInterval,
		log:          log,
		tables:       make(map[string]tableHandle),
	}

	if err := bus.Register(EventRegister, EventListen, EventItemAdd, EventItemUpdate, EventItemRemove, EventItemClear); err != nil {
		return nil, fmt.Errorf("tableext: register events: %w", err)
	}

	registerEvent := eventbus.NewEventType[Info](EventRegister)
	eventbus.AddListener(bus, registerEvent, ext.onTableRegister)

	listenEvent := eventbus.NewEventType[string](EventListen)
	eventbus.AddListener(bus, listenEvent, ext.onTableListen)

	addEvent := eventbus.NewEventType[ItemsPayload](EventItemAdd)
	eventbus.AddListener(bus, addEvent, ext.onItemAdd)

	updateEvent := eventbus.NewEventType[ItemsPayload](EventItemUpdate)
	eventbus.AddListener(bus, updateEvent, ext.onItemUpdate)

	removeEvent := eventbus.NewEventType[ItemsPayload](EventItemRemove)
	eventbus.AddListener(bus, removeEvent, ext.onItemRemove)

	clearEvent := eventbus.NewEventType[TypePayload](EventItemClear)
	eventbus.AddListener(bus, clearEvent, ext.onItemClear)

	if err := binder.BindServerEndpoint(EndpointItemFetch, ext.handleItemFetch); err != nil {
		return nil, fmt.Errorf("tableext: bind %s: %w", EndpointItemFetch, err)
	}
	if err := binder.BindServerEndpoint(EndpointItemGet, ext.handleItemGet); err != nil {
		return nil, fmt.Errorf("tableext: bind %s: %w", EndpointItemGet, err)
	}
	if err := binder.BindServerEndpoint(EndpointItemSize, ext.handleItemSize); err != nil {
		return nil, fmt.Errorf("tableext: bind %s: %w", EndpointItemSize, err)
	}

	return ext, nil
}

// RegisterFromInfo returns the table named by info, creating it
// (opaque-JSON item type) on first call. Idempotent by info.Key() —
// used for a remote client's table/register event; server-owned typed
// tables go through Register instead.
func (e *Extension) RegisterFromInfo(info Info) (*ServerTable[json.RawMessage], error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.tables[info.Key()]; ok {
		if t, ok := existing.(*ServerTable[json.RawMessage]); ok {
			return t, nil
		}
		return nil, fmt.Errorf("tableext: %q already registered with a different item type", info.Key())
	}

	adapter, err := e.openAdapter(info)
	if err != nil {
		return nil, err
	}

	t := New(info, adapter, IdentitySerializer(), e.saveInterval, e.log)
	e.tables[info.Key()] = t
	return t, nil
}

// Register builds a server-owned, typed table — used by components
// like the server extension's apps table and the endpoint extension's
// endpoints table, which know their item type at compile time and want
// it decoded, not passed through as raw JSON.
func Register[T any](e *Extension, info Info, serializer Serializer[T]) (*ServerTable[T], error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.tables[info.Key()]; ok {
		if t, ok := existing.(*ServerTable[T]); ok {
			return t, nil
		}
		return nil, fmt.Errorf("tableext: %q already registered with a different item type", info.Key())
	}

	adapter, err := e.openAdapter(info)
	if err != nil {
		return nil, err
	}

	t := New(info, adapter, serializer, e.saveInterval, e.log)
	e.tables[info.Key()] = t
	return t, nil
}

func (e *Extension) openAdapter(info Info) (table.Adapter, error) {
	dir := filepath.Join(e.dataPath, "tables", info.Extension, info.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tableext: create table dir: %w", err)
	}
	if info.UseDatabase {
		return sqlitekv.Open(filepath.Join(dir, "data.db"))
	}
	return jsonfile.New(dir)
}

func (e *Extension) onTableRegister(_ *session.Session, info Info) {
	e.mu.Lock()
	_, exists := e.tables[info.Key()]
	e.mu.Unlock()
	if exists {
		e.log.Debug().Str("table", info.Key()).Msg("skipping table registration: already registered")
		return
	}

	// Registration itself doesn't attach the declaring session; a
	// client that wants replication follows up with table/listen,
	// keeping create+load separate from the explicit listen step.
	t, err := e.RegisterFromInfo(info)
	if err != nil {
		e.log.Warn().Err(err).Str("table", info.Key()).Msg("table registration failed")
		return
	}
	if err := t.Load(context.Background()); err != nil {
		e.log.Error().Err(err).Str("table", info.Key()).Msg("table load failed")
	}
}

func (e *Extension) onTableListen(s *session.Session, tableKey string) {
	e.mu.Lock()
	t, ok := e.tables[tableKey]
	e.mu.Unlock()
	if !ok {
		e.log.Warn().Str("table", tableKey).Msg("listen for unknown table")
		return
	}
	t.Attach(s)
}

func (e *Extension) onItemAdd(s *session.Session, payload ItemsPayload) {
	e.dispatchMutation(s, payload.Type, func(t tableHandle) error {
		return t.HandleItemAdd(context.Background(), payload.Items)
	})
}

func (e *Extension) onItemUpdate(s *session.Session, payload ItemsPayload) {
	e.dispatchMutation(s, payload.Type, func(t tableHandle) error {
		return t.HandleItemUpdate(context.Background(), payload.Items)
	})
}

func (e *Extension) onItemRemove(s *session.Session, payload ItemsPayload) {
	keys := make([]string, 0, len(payload.Items))
	for k := range payload.Items {
		keys = append(keys, k)
	}
	e.dispatchMutation(s, payload.Type, func(t tableHandle) error {
		return t.HandleItemRemove(context.Background(), keys)
	})
}

func (e *Extension) onItemClear(s *session.Session, payload TypePayload) {
	e.dispatchMutation(s, payload.Type, func(t tableHandle) error {
		return t.HandleItemClear(context.Background())
	})
}

func (e *Extension) dispatchMutation(s *session.Session, tableKey string, fn func(tableHandle) error) {
	e.mu.Lock()
	t, ok := e.tables[tableKey]
	e.mu.Unlock()
	if !ok {
		e.log.Warn().Str("table", tableKey).Str("app", s.App().Key()).Msg("mutation for unknown table")
		return
	}
	if err := fn(t); err != nil {
		e.log.Error().Err(err).Str("table", tableKey).Msg("table mutation failed")
	}
}

func (e *Extension) handleItemFetch(ctx context.Context, _ *session.Session, req json.RawMessage) (json.RawMessage, error) {
	var fetchReq FetchRequest
	if err := json.Unmarshal(req, &fetchReq); err != nil {
		return nil, fmt.Errorf("invalid fetch request: %w", err)
	}

	e.mu.Lock()
	t, ok := e.tables[fetchReq.Type]
	e.mu.Unlock()
	if !ok {
		return json.Marshal(map[string]json.RawMessage{})
	}

	items, err := t.FetchRaw(ctx, fetchReq.Limit, fetchReq.Cursor)
	if err != nil {
		return nil, err
	}
	return json.Marshal(items)
}

func (e *Extension) handleItemGet(ctx context.Context, _ *session.Session, req json.RawMessage) (json.RawMessage, error) {
	var getReq GetRequest
	if err := json.Unmarshal(req, &getReq); err != nil {
		return nil, fmt.Errorf("invalid get request: %w", err)
	}

	e.mu.Lock()
	t, ok := e.tables[getReq.Type]
	e.mu.Unlock()
	if !ok {
		return json.Marshal(map[string]json.RawMessage{})
	}

	items, err := t.GetAllRaw(ctx, getReq.Keys)
	if err != nil {
		return nil, err
	}
	return json.Marshal(items)
}

func (e *Extension) handleItemSize(ctx context.Context, _ *session.Session, req json.RawMessage) (json.RawMessage, error) {
	var sizeReq SizeRequest
	if err := json.Unmarshal(req, &sizeReq); err != nil {
		return nil, fmt.Errorf("invalid size request: %w", err)
	}

	e.mu.Lock()
	t, ok := e.tables[sizeReq.Type]
	e.mu.Unlock()
	if !ok {
		return json.Marshal(0)
	}

	n, err := t.SizeRaw(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

// OnConnected implements network.Listener. Table attachment happens
// via the explicit table/listen event, not automatically on connect.
func (e *Extension) OnConnected(_ *session.Session) {}

// OnDisconnected implements network.Listener: detach s from every
// table it may have been attached to.
func (e *Extension) OnDisconnected(s *session.Session) {
	e.mu.Lock()
	tables := make([]tableHandle, 0, len(e.tables))
	for _, t := range e.tables {
		tables = append(tables, t)
	}
	e.mu.Unlock()

	for _, t := range tables {
		t.Detach(s)
	}
}

// OnInitialized implements hubserver's ServerListener: load every
// registered table.
func (e *Extension) OnInitialized() {
	e.mu.Lock()
	tables := make([]tableHandle, 0, len(e.tables))
	for _, t := range e.tables {
		tables = append(tables, t)
	}
	e.mu.Unlock()

	for _, t := range tables {
		if err := t.Load(context.Background()); err != nil {
			e.log.Error().Err(err).Str("table", t.Key()).Msg("table load failed at startup")
		}
	}
}

// OnShutdown implements hubserver's ServerListener: save every
// registered table.
func (e *Extension) OnShutdown() {
	e.mu.Lock()
	tables := make([]tableHandle, 0, len(e.tables))
	for _, t := range e.tables {
		tables = append(tables, t)
	}
	e.mu.Unlock()

	for _, t := range tables {
		if err := t.Save(context.Background()); err != nil {
			e.log.Error().Err(err).Str("table", t.Key()).Msg("table save failed at shutdown")
		}
	}
}
