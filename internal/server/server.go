// Package server exposes the trade command surface and the fraud-analysis
// reporting surface over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/creatureworld/tradecore/internal/network"
	"github.com/creatureworld/tradecore/internal/trade"
)

// Server hosts the HTTP API.
type Server struct {
	orchestrator *trade.Orchestrator
	builder      *network.GraphBuilder
	patterns     *network.PatternService
	logger       *zap.Logger
	tokenValue   float64
	httpServer   *http.Server
}

// New creates the HTTP server.
func New(orchestrator *trade.Orchestrator, builder *network.GraphBuilder, patterns *network.PatternService, logger *zap.Logger, tokenValue float64) *Server {
	return &Server{
		orchestrator: orchestrator,
		builder:      builder,
		patterns:     patterns,
		logger:       logger,
		tokenValue:   tokenValue,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/trades", s.startTrade)
		v1.GET("/trades/:id", s.getTrade)
		v1.POST("/trades/:id/entries", s.mutateTrade)
		v1.POST("/trades/:id/confirm", s.confirmTrade)
		v1.POST("/trades/:id/cancel", s.cancelTrade)
		v1.POST("/users/:id/recover-locks", s.recoverLocks)

		v1.GET("/network", s.getNetwork)
		v1.GET("/network/users/:id", s.getUserNetwork)
		v1.GET("/patterns/funnels", s.getFunnelPatterns)
		v1.GET("/patterns/clusters", s.getAccountClusters)
		v1.GET("/patterns/circular-flows", s.getCircularFlows)
	}

	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, host string, port int) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
