// Package httpserver is the socket acceptor: a gin router mounting the
// WebSocket upgrade route and a liveness endpoint, and the
// http.Server wrapper around it.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/streamspace-dev/hubcore/internal/hubserver"
	"github.com/streamspace-dev/hubcore/internal/session"
)

// Security timeouts for the underlying http.Server.
const (
	readTimeout       = 15 * time.Second
	readHeaderTimeout = 5 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 120 * time.Second
	maxHeaderBytes    = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The hub accepts connections from any origin; CORS is a
	// deployment-layer concern, not this core's.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server wraps an *http.Server around a gin router exposing the
// WebSocket upgrade route and /healthz.
type Server struct {
	httpSrv *http.Server
	log     zerolog.Logger
}

// New builds the router and its http.Server, wiring the upgrade route
// at wsPath to hub.Network().Accept.
func New(addr string, wsPath string, hub *hubserver.Server, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestID())
	router.Use(gin.Recovery())
	router.Use(structuredLogger(log))

	router.GET("/healthz", func(c *gin.Context) {
		if hub.Running() {
			c.Status(http.StatusOK)
			return
		}
		c.Status(http.StatusServiceUnavailable)
	})

	router.GET(wsPath, func(c *gin.Context) {
		handleUpgrade(c, hub, log)
	})

	return &Server{
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
			MaxHeaderBytes:    maxHeaderBytes,
		},
		log: log,
	}
}

// handleUpgrade promotes the HTTP request to a WebSocket connection,
// performs the session handshake, and hands the resulting session to
// the network for acceptance and its dispatch loop. A failed upgrade
// or handshake is logged and the connection dropped; it never reaches
// Network.Accept.
func handleUpgrade(c *gin.Context, hub *hubserver.Server, log zerolog.Logger) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	transport := session.NewWSTransport(conn)
	s, err := session.Create(transport, log)
	if err != nil {
		log.Warn().Err(err).Msg("session handshake failed")
		return
	}

	hub.Network().Accept(s)
	go s.Listen(hub.Bus())
}

// ListenAndServe blocks serving HTTP until Shutdown is called.
func (srv *Server) ListenAndServe() error {
	srv.log.Info().Str("addr", srv.httpSrv.Addr).Msg("http server listening")
	if err := srv.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting new connections and waits up to the
// context's deadline for in-flight requests to finish.
func (srv *Server) Shutdown(ctx context.Context) error {
	return srv.httpSrv.Shutdown(ctx)
}
