// Package server exposes the session store and change feed over HTTP:
// a JSON API plus WebSocket, SSE, and polling feed endpoints.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/peerline/peerline/internal/feed"
	"github.com/peerline/peerline/internal/notify"
	"github.com/peerline/peerline/internal/store"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Store     *store.Store
	Broker    *feed.Broker
	Port      int
	Out       io.Writer
	Notifiers []notify.Adapter
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Store == nil {
		return fmt.Errorf("server: store is required")
	}
	if opts.Broker == nil {
		return fmt.Errorf("server: broker is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	router := NewRouter(opts.Store, opts.Broker, opts.Notifiers...)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// NewRouter builds the gin router with all routes registered. Exported
// so tests can drive it through httptest.
func NewRouter(st *store.Store, broker *feed.Broker, notifiers ...notify.Adapter) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	registerRoutes(router, st, broker, notifiers)
	return router
}

func registerRoutes(router *gin.Engine, st *store.Store, broker *feed.Broker, notifiers []notify.Adapter) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	ws := feed.NewWSHandler(broker)
	router.GET("/ws", ws.Handle)
	router.GET("/api/v1/stream", handleSSE(broker))
	router.GET("/api/v1/events", handleEvents(broker))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/sessions", handleCreateSession(st, notifiers))
		v1.GET("/sessions", handleListSessions(st))
		v1.GET("/sessions/:id", handleGetSession(st))
		v1.POST("/sessions/:id/claim", handleClaimSession(st))
		v1.POST("/sessions/:id/end", handleEndSession(st))
		v1.POST("/sessions/:id/extend", handleExtendSession(st))
		v1.POST("/sessions/:id/messages", handleSendMessage(st))
		v1.GET("/sessions/:id/messages", handleListMessages(st))
		v1.POST("/sessions/:id/proposals", handleCreateProposal(st))
		v1.GET("/proposals/:id", handleGetProposal(st))
		v1.POST("/proposals/:id/status", handleSetProposalStatus(st))
	}
}
