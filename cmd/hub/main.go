// Command hub runs the WebSocket application hub: session layer, event
// bus, endpoint RPC extension, table replication extension and
// registry extension, bound together by internal/hubserver. Bootstrap
// shape (env-driven config, ordered subsystem construction,
// signal-based graceful shutdown).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamspace-dev/hubcore/internal/config"
	"github.com/streamspace-dev/hubcore/internal/endpoint"
	"github.com/streamspace-dev/hubcore/internal/httpserver"
	"github.com/streamspace-dev/hubcore/internal/hubserver"
	"github.com/streamspace-dev/hubcore/internal/logger"
	"github.com/streamspace-dev/hubcore/internal/registryext"
	"github.com/streamspace-dev/hubcore/internal/tableext"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.Server()

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		log.Fatal().Err(err).Str("path", cfg.DataPath).Msg("failed to create data directory")
	}

	hub := hubserver.New(cfg.Address(), cfg.DataPath, log)

	// Dependency order: Endpoint is constructed
	// before Table so tableext.New can bind table/item_fetch,
	// table/item_get and table/item_size against it; Endpoint's own
	// discovery table is wired back in via AttachTables once Table
	// exists, and used lazily in OnInitialized.
	endpointExt, err := hubserver.Register(hub, func(s *hubserver.Server) (*endpoint.Extension, error) {
		return endpoint.New(s.Bus(), cfg.StaleCallSweepSchedule, logger.Endpoint())
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register endpoint extension")
	}

	tableExt, err := hubserver.Register(hub, func(s *hubserver.Server) (*tableext.Extension, error) {
		return tableext.New(s.Bus(), endpointExt, s.DataPath(), cfg.SaveInterval, logger.Table())
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register table extension")
	}
	endpointExt.AttachTables(tableExt)

	appsExt, err := hubserver.Register(hub, func(s *hubserver.Server) (*hubserver.AppsExtension, error) {
		return hubserver.NewAppsExtension(tableExt, logger.Server())
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register apps extension")
	}

	registryExt, err := hubserver.Register(hub, func(s *hubserver.Server) (*registryext.Extension, error) {
		return registryext.New(s.Bus(), endpointExt, s.DataPath(), cfg.SaveInterval, logger.Registry())
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register registry extension")
	}

	hub.AddListener(endpointExt)
	hub.AddListener(tableExt)
	hub.AddListener(appsExt)
	hub.AddListener(registryExt)

	hub.Network().AddListener(endpointExt)
	hub.Network().AddListener(tableExt)
	hub.Network().AddListener(appsExt)
	hub.Network().AddListener(registryExt)

	hub.Start()

	httpSrv := httpserver.New(cfg.Address().String(), cfg.WSPath, hub, logger.HTTP())

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}

	hub.Shutdown()
	log.Info().Msg("shutdown complete")
}
