package endpoint

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/streamspace-dev/hubcore/internal/eventbus"
	"github.com/streamspace-dev/hubcore/internal/session"
	"github.com/streamspace-dev/hubcore/internal/tableext"
)

// endpointsTableInfo is the well-known identity of the server-owned
// table mirroring every known endpoint registration, surviving
// restarts for discovery purposes.
var endpointsTableInfo = tableext.Info{Extension: "server", Name: "endpoints"}

// Extension is the endpoint RPC subsystem: a registry of Endpoints
// keyed by endpoint key, the in-flight calls map keyed by
// "type:key", and a per-session reverse index used to GC a caller's
// entries on disconnect.
type Extension struct {
	bus    *eventbus.Bus
	tables *tableext.Extension
	log    zerolog.Logger

	mu          sync.Mutex
	endpoints   map[string]Endpoint
	calls       map[string]*pendingCall
	bySession   map[*session.Session]map[string]bool
	endpointsTb *tableext.ServerTable[Info]

	sweep *cron.Cron
}

// New builds the endpoint extension and registers its event types on
// bus. The table extension this one depends on for its discovery
// table is supplied later via AttachTables — Endpoint is constructed
// first precisely so tableext.New can bind its endpoints against it,
// establishing construction order (Endpoint, then Table, then Server);
// AttachTables just needs to run before OnInitialized does.
// sweepSchedule is a standard cron expression for the stale-call GC
// backstop (e.g. "@every 5m").
func New(bus *eventbus.Bus, sweepSchedule string, log zerolog.Logger) (*Extension, error) {
	ext := &Extension{
		bus:       bus,
		log:       log,
		endpoints: make(map[string]Endpoint),
		calls:     make(map[string]*pendingCall),
		bySession: make(map[*session.Session]map[string]bool),
	}

	if err := bus.Register(EventRegister, EventCall, EventReceive, EventError); err != nil {
		return nil, err
	}

	registerEvent := eventbus.NewEventType[Info](EventRegister)
	eventbus.AddListener(bus, registerEvent, ext.onEndpointRegister)

	callEvent := eventbus.NewEventType[CallPayload](EventCall)
	eventbus.AddListener(bus, callEvent, ext.onEndpointCall)

	receiveEvent := eventbus.NewEventType[CallPayload](EventReceive)
	eventbus.AddListener(bus, receiveEvent, ext.onEndpointReceive)

	errorEvent := eventbus.NewEventType[ErrorPayload](EventError)
	eventbus.AddListener(bus, errorEvent, ext.onEndpointError)

	ext.sweep = cron.New()
	if _, err := ext.sweep.AddFunc(sweepSchedule, ext.sweepStaleCalls); err != nil {
		return nil, err
	}
	ext.sweep.Start()

	return ext, nil
}

// AttachTables supplies the table extension this one depends on for
// its discovery table. Must be called before OnInitialized fires.
func (e *Extension) AttachTables(tables *tableext.Extension) {
	e.mu.Lock()
	e.tables = tables
	e.mu.Unlock()
}

func (e *Extension) onEndpointRegister(s *session.Session, info Info) {
	e.mu.Lock()
	e.endpoints[info.Key()] = &sessionEndpoint{session: s, info: info}
	tb := e.endpointsTb
	e.mu.Unlock()

	if tb != nil {
		if err := tb.Add(context.Background(), map[string]Info{info.Key(): info}); err != nil {
			e.log.Error().Err(err).Str("endpoint", info.Key()).Msg("failed to record endpoint registration")
		}
	}
}

func (e *Extension) resolveEndpoint(s *session.Session, req CallPayload) (Endpoint, bool) {
	e.mu.Lock()
	ep, ok := e.endpoints[req.Type]
	e.mu.Unlock()

	if !ok {
		e.replyError(s, req, "Endpoint not found")
		e.log.Warn().Str("app", s.App().Key()).Str("endpoint", req.Type).Msg("call to unknown endpoint")
		return nil, false
	}
	return ep, true
}

func (e *Extension) replyError(s *session.Session, req CallPayload, msg string) {
	pc := &pendingCall{caller: s, req: req}
	if err := pc.sendError(msg); err != nil {
		e.log.Warn().Err(err).Msg("failed to deliver endpoint error reply")
	}
}

func (e *Extension) onEndpointCall(s *session.Session, req CallPayload) {
	ep, ok := e.resolveEndpoint(s, req)
	if !ok {
		return
	}

	if err := ep.Call(context.Background(), s, req); err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			// The provider's session has disconnected; its
			// sessionEndpoint entry stays registered (OnDisconnected
			// does not remove it), so the call resolved but could not
			// be delivered — reply to the caller "Endpoint not connected".
			e.replyError(s, req, "Endpoint not connected")
			return
		}
		e.log.Error().Err(err).Str("endpoint", req.Type).Msg("endpoint call failed")
		return
	}

	key := correlationKey(req.Type, req.Key)
	e.mu.Lock()
	e.calls[key] = &pendingCall{caller: s, req: req}
	if e.bySession[s] == nil {
		e.bySession[s] = make(map[string]bool)
	}
	e.bySession[s][key] = true
	e.mu.Unlock()
}

func (e *Extension) onEndpointReceive(s *session.Session, req CallPayload) {
	key := correlationKey(req.Type, req.Key)
	e.mu.Lock()
	call, ok := e.calls[key]
	if ok {
		delete(e.calls, key)
		if idx := e.bySession[call.caller]; idx != nil {
			delete(idx, key)
		}
	}
	e.mu.Unlock()

	if !ok {
		// Surfaces a misrouted reply back to the responder itself,
		// not to any caller — there is no caller on record.
		e.replyError(s, req, "Endpoint not connected")
		return
	}
	if err := call.receive(req); err != nil {
		e.log.Warn().Err(err).Str("endpoint", req.Type).Msg("failed to deliver endpoint receive")
	}
}

func (e *Extension) onEndpointError(s *session.Session, errPayload ErrorPayload) {
	key := correlationKey(errPayload.Type, errPayload.Key)
	e.mu.Lock()
	call, ok := e.calls[key]
	if ok {
		delete(e.calls, key)
		if idx := e.bySession[call.caller]; idx != nil {
			delete(idx, key)
		}
	}
	e.mu.Unlock()

	if !ok {
		e.replyError(s, CallPayload{Type: errPayload.Type, Key: errPayload.Key}, "Endpoint not connected")
		return
	}
	if err := call.sendError(errPayload.Error); err != nil {
		e.log.Warn().Err(err).Str("endpoint", errPayload.Type).Msg("failed to deliver endpoint error")
	}
}

// sweepStaleCalls drops any pending call whose caller session has
// since closed — a backstop for calls whose caller closed without
// OnDisconnected having purged them through the per-session reverse
// index (e.g. a session whose disconnect never reached this
// extension as a network listener).
func (e *Extension) sweepStaleCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, call := range e.calls {
		if call.caller.Closed() {
			delete(e.calls, key)
			if idx := e.bySession[call.caller]; idx != nil {
				delete(idx, key)
			}
		}
	}
}

// OnConnected implements network.Listener; endpoint registration is
// driven entirely by the endpoint/register event, not by connection
// itself.
func (e *Extension) OnConnected(_ *session.Session) {}

// OnDisconnected implements network.Listener: purge every pending
// call s originated. The endpoints s registered as a provider are left
// in place — registration is durable independent of the provider's
// current connectivity — so a later call to that key still resolves
// the endpoint and reaches onEndpointCall's ErrSessionClosed handling,
// which replies "Endpoint not connected" rather than "Endpoint not
// found". This is the synchronous half of the stale-call cleanup;
// sweepStaleCalls is the periodic backstop.
func (e *Extension) OnDisconnected(s *session.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := e.bySession[s]
	for key := range keys {
		delete(e.calls, key)
	}
	delete(e.bySession, s)
}

// OnInitialized implements hubserver's ServerListener: register the
// endpoints discovery table, load its prior state, and reconcile it
// against every endpoint registration this process has accumulated so
// far, saving immediately (bypassing the usual debounce) so discovery
// state is durable the instant startup completes.
func (e *Extension) OnInitialized() {
	tb, err := tableext.Register(e.tables, endpointsTableInfo, tableext.JSONSerializer[Info]())
	if err != nil {
		e.log.Error().Err(err).Msg("failed to register endpoints discovery table")
		return
	}
	if err := tb.Load(context.Background()); err != nil {
		e.log.Error().Err(err).Msg("failed to load endpoints discovery table")
	}

	e.mu.Lock()
	snapshot := make(map[string]Info, len(e.endpoints))
	for key, ep := range e.endpoints {
		snapshot[key] = ep.Info()
	}
	e.endpointsTb = tb
	e.mu.Unlock()

	if len(snapshot) > 0 {
		if err := tb.Add(context.Background(), snapshot); err != nil {
			e.log.Error().Err(err).Msg("failed to reconcile endpoints discovery table")
		}
	}
	if err := tb.Save(context.Background()); err != nil {
		e.log.Error().Err(err).Msg("failed to save endpoints discovery table at startup")
	}
}

// OnShutdown implements hubserver's ServerListener. Persisting the
// endpoints table itself is tableext's responsibility (it owns every
// registered table, this one included); this stops the sweep so it
// doesn't fire against a server that's tearing down.
func (e *Extension) OnShutdown() {
	if e.sweep != nil {
		<-e.sweep.Stop().Done()
	}
}
