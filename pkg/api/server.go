// Package api exposes the engine's HTTP surface: task submission, resume,
// cancel, and read-side queries. Writes are handed to the root agent and
// acknowledged with 202; clients observe progress by polling the task or its
// trace events.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/store"
)

// Server is the HTTP API server.
type Server struct {
	system   *actor.System
	rootAddr string
	stores   *store.Stores
	// traces serves the read-side event query; nil disables the endpoint.
	traces *events.MemorySink
	// redis, when set, is pinged by the health check.
	redis redis.UniversalClient

	http *http.Server
}

// NewServer creates the API server. traces may be nil.
func NewServer(system *actor.System, rootAddr string, stores *store.Stores, traces *events.MemorySink) *Server {
	return &Server{
		system:   system,
		rootAddr: rootAddr,
		stores:   stores,
		traces:   traces,
	}
}

// SetRedis enables the queue reachability check in /health.
func (s *Server) SetRedis(client redis.UniversalClient) {
	s.redis = client
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.Health)

	tasks := router.Group("/api/v1/tasks")
	{
		tasks.POST("", s.SubmitTask)
		tasks.GET("", s.ListTasks)
		tasks.GET("/:id", s.GetTask)
		tasks.GET("/:id/result", s.GetTaskResult)
		tasks.POST("/:id/resume", s.ResumeTask)
		tasks.POST("/:id/cancel", s.CancelTask)
	}
	router.GET("/api/v1/traces/:trace_id/events", s.GetTraceEvents)

	return router
}

// Start serves the API on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Router()}
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	_, rootAlive := s.system.Lookup(s.rootAddr)
	if !rootAlive {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "root_agent": "down"})
		return
	}
	if s.redis != nil {
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.redis.Ping(pingCtx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "queue": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
