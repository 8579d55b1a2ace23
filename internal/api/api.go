// Package api provides the HTTP server for the tool gateway.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"toolgate/internal/api/v1"
	"toolgate/internal/config"
	"toolgate/internal/db"
	"toolgate/internal/embeddings"
	"toolgate/internal/gateway"
	"toolgate/internal/hub"
	"toolgate/internal/logging"
	"toolgate/internal/registry"
)

type Server struct {
	cfg        *config.Config
	handlers   *v1.APIHandlers
	httpServer *http.Server
}

func New(
	cfg *config.Config,
	database db.Database,
	gw *gateway.Gateway,
	reg *registry.Registry,
	h *hub.Hub,
	embedder embeddings.Embedder,
) *Server {
	return &Server{
		cfg:      cfg,
		handlers: v1.NewAPIHandlers(database, gw, reg, h, embedder),
	}
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router() *gin.Engine {
	if !logging.IsDebugEnabled() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(v1.CorrelationMiddleware())

	// Liveness stays reachable without a token.
	router.GET("/health", s.handlers.Health)

	authed := router.Group("", v1.AuthMiddleware(s.cfg.APIToken))
	s.handlers.RegisterRoutes(authed)

	return router
}

// Start serves HTTP until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.APIPort),
		Handler: s.Router(),
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("API server error: %v", err)
		}
	}()
	logging.Info("API server listening on port %d", s.cfg.APIPort)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
