// Package dashboard serves the local status HTTP API: connection state,
// pairing code, active sessions, and pool statistics.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tetherlabs/tether/internal/monitor"
	"github.com/tetherlabs/tether/internal/pool"
	"github.com/tetherlabs/tether/internal/sessions"
)

// Status is the daemon snapshot served at /api/status.
type Status struct {
	Connected  bool      `json:"connected"`
	RelayURL   string    `json:"relayUrl"`
	LastPong   time.Time `json:"lastPong,omitempty"`
	SyncMode   string    `json:"syncMode"`
	ChatActive bool      `json:"chatActive"`
	Paired     bool      `json:"paired"`
	Uptime     string    `json:"uptime"`
}

// PairingInfo is served at /api/pairing.
type PairingInfo struct {
	Paired      bool   `json:"paired"`
	PairingCode string `json:"pairingCode"`
	DeviceName  string `json:"deviceName,omitempty"`
}

// Source provides the live data the dashboard serves. Implemented by the
// daemon.
type Source interface {
	Status() Status
	Pairing() PairingInfo
	Sessions() []*sessions.Terminal
	PoolStats() pool.Stats
	SyncMode() monitor.Mode
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Source Source
	Port   int
	Out    io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Source == nil {
		return fmt.Errorf("dashboard: source is required")
	}
	if opts.Port <= 0 {
		opts.Port = 7870
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts.Source)

	addr := fmt.Sprintf("127.0.0.1:%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://%s\n", addr)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// registerRoutes sets up the JSON API routes.
func registerRoutes(router *gin.Engine, src Source) {
	api := router.Group("/api")
	api.GET("/status", handleStatus(src))
	api.GET("/pairing", handlePairing(src))
	api.GET("/sessions", handleSessions(src))
	api.GET("/pool", handlePool(src))
}

func handleStatus(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Status())
	}
}

func handlePairing(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Pairing())
	}
}

func handleSessions(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		terms := src.Sessions()
		if terms == nil {
			terms = []*sessions.Terminal{}
		}
		c.JSON(http.StatusOK, gin.H{
			"count":    len(terms),
			"sessions": terms,
			"syncMode": string(src.SyncMode()),
		})
	}
}

func handlePool(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, src.PoolStats())
	}
}
