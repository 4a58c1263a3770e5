// Package httpapi exposes a small gin-backed debug surface over the
// running control engine: process liveness and a point-in-time status
// dump. It never drives control flow — a reader can kill -9 this
// server and the robot keeps running.
package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wfunc/egg-collector/internal/config"
	"github.com/wfunc/egg-collector/internal/control"
	"github.com/wfunc/egg-collector/internal/logger"
)

// Server wraps a gin.Engine serving /healthz and /status.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	ctrl   *control.Engine
	log    *zap.Logger
}

// New builds a Server bound to cfg.Host:cfg.Port. ctrl is read on every
// /status request; it is never written to.
func New(cfg config.ServerConfig, ctrl *control.Engine) *Server {
	gin.SetMode(modeOrDefault(cfg.Mode))

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		ctrl:   ctrl,
		log:    logger.GetModuleLogger("httpapi"),
	}
	s.setupRoutes()

	port := cfg.Port
	if port <= 0 {
		port = 8080
	}
	s.http = &http.Server{
		Addr:         cfg.Host + ":" + strconv.Itoa(port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.healthz)
	s.engine.GET("/status", s.status)
}

// healthz reports process liveness only: it never touches the control
// engine, so it still answers 200 while the engine is mid-shutdown.
func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	snap := s.ctrl.Status()
	c.JSON(http.StatusOK, gin.H{
		"state":             snap.State,
		"pick_queue_depth":  snap.PickQueueDepth,
		"accept_detections": snap.AcceptDetections,
		"actor_enabled":     snap.ActorEnabled,
		"arm_enabled":       snap.ArmEnabled,
		"actor_connected":   snap.ActorConnected,
		"arm_connected":     snap.ArmConnected,
		"pending":           snap.Pending,
	})
}

// Run starts serving in the background and returns immediately.
// Listen errors (other than a clean Shutdown) are logged, not returned,
// since this surface is debug-only.
func (s *Server) Run() {
	s.log.Info("debug http server starting", zap.String("addr", s.http.Addr))
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("debug http server stopped", zap.Error(err))
		}
	}()
}

// Shutdown gracefully stops the server, bounded by ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func modeOrDefault(mode string) string {
	switch mode {
	case gin.ReleaseMode, gin.TestMode, gin.DebugMode:
		return mode
	default:
		return gin.ReleaseMode
	}
}

