package hubserver

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/hubcore/internal/app"
	"github.com/streamspace-dev/hubcore/internal/session"
	"github.com/streamspace-dev/hubcore/internal/tableext"
)

var appsTableInfo = tableext.Info{Extension: "server", Name: "apps"}

// AppsExtension tracks every currently connected App in a persisted
// table: cleared at startup, added on connect, removed on disconnect.
type AppsExtension struct {
	apps *tableext.ServerTable[app.App]
	log  zerolog.Logger
}

// NewAppsExtension registers the apps table against tables.
func NewAppsExtension(tables *tableext.Extension, log zerolog.Logger) (*AppsExtension, error) {
	tb, err := tableext.Register(tables, appsTableInfo, tableext.JSONSerializer[app.App]())
	if err != nil {
		return nil, err
	}
	return &AppsExtension{apps: tb, log: log}, nil
}

// Apps returns the underlying table, for callers that want to read
// the set of connected apps directly (a status endpoint, say).
func (e *AppsExtension) Apps() *tableext.ServerTable[app.App] { return e.apps }

// OnInitialized implements ServerListener: the connected-apps set is
// always empty at a fresh process start, regardless of what was
// persisted from the prior run.
func (e *AppsExtension) OnInitialized() {
	if err := e.apps.Clear(context.Background()); err != nil {
		e.log.Error().Err(err).Msg("failed to clear apps table at startup")
	}
}

// OnShutdown implements ServerListener. Persistence is tableext's job.
func (e *AppsExtension) OnShutdown() {}

// OnConnected implements network.Listener.
func (e *AppsExtension) OnConnected(s *session.Session) {
	e.log.Info().Str("app", s.App().Key()).Msg("connected")
	if err := e.apps.Add(context.Background(), map[string]app.App{s.App().Key(): s.App()}); err != nil {
		e.log.Error().Err(err).Str("app", s.App().Key()).Msg("failed to record connected app")
	}
}

// OnDisconnected implements network.Listener.
func (e *AppsExtension) OnDisconnected(s *session.Session) {
	e.log.Info().Str("app", s.App().Key()).Msg("disconnected")
	if err := e.apps.Remove(context.Background(), []string{s.App().Key()}); err != nil {
		e.log.Error().Err(err).Str("app", s.App().Key()).Msg("failed to remove disconnected app")
	}
}
