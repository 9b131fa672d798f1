package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/protocol"
	"github.com/taskmesh/taskmesh/pkg/store"
)

// SubmitTaskRequest is the body of POST /api/tasks.
type SubmitTaskRequest struct {
	Input         string         `json:"input" binding:"required"`
	UserID        string         `json:"user_id" binding:"required"`
	TargetAgentID string         `json:"target_agent_id"`
	TaskID        string         `json:"task_id"`
	Params        map[string]any `json:"params"`
}

// SubmitTask handles POST /api/tasks. The task is handed to the root agent
// and acknowledged; its result lands in the task record.
func (s *Server) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	root, ok := s.system.Lookup(s.rootAddr)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "root agent unavailable"})
		return
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	traceID := uuid.NewString()

	root.Send(protocol.TaskMessage{
		TaskID:        taskID,
		TraceID:       traceID,
		TaskPath:      "/0",
		UserID:        req.UserID,
		Input:         req.Input,
		TargetAgentID: req.TargetAgentID,
		Params:        req.Params,
	})

	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "trace_id": traceID})
}

// GetTask handles GET /api/tasks/:id.
func (s *Server) GetTask(c *gin.Context) {
	task, err := s.stores.Tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetTaskResult handles GET /api/tasks/:id/result. A corrected result takes
// precedence over the executed one.
func (s *Server) GetTaskResult(c *gin.Context) {
	task, err := s.stores.Tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	result := task.Result
	corrected := false
	if task.CorrectedResult != nil {
		result = task.CorrectedResult
		corrected = true
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":   task.ID,
		"status":    task.Status,
		"result":    result,
		"corrected": corrected,
	})
}

// ListTasks handles GET /api/tasks?user_id=&status=&limit=.
func (s *Server) ListTasks(c *gin.Context) {
	filter := store.TaskFilter{
		UserID: c.Query("user_id"),
		Limit:  50,
	}
	if status := c.Query("status"); status != "" {
		filter.Status = models.TaskStatus(status)
	}
	tasks, err := s.stores.Tasks.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// ResumeTaskRequest is the body of POST /api/tasks/:id/resume.
type ResumeTaskRequest struct {
	UserID     string         `json:"user_id"`
	Parameters map[string]any `json:"parameters" binding:"required"`
}

// ResumeTask handles POST /api/tasks/:id/resume: the supplied parameters are
// routed back to the execution worker waiting on them.
func (s *Server) ResumeTask(c *gin.Context) {
	var req ResumeTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	root, ok := s.system.Lookup(s.rootAddr)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "root agent unavailable"})
		return
	}
	root.Send(protocol.ResumeMessage{
		TaskID:     c.Param("id"),
		UserID:     req.UserID,
		Parameters: req.Parameters,
	})
	c.JSON(http.StatusAccepted, gin.H{"task_id": c.Param("id"), "status": "resuming"})
}

// CancelTask handles POST /api/tasks/:id/cancel.
func (s *Server) CancelTask(c *gin.Context) {
	root, ok := s.system.Lookup(s.rootAddr)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "root agent unavailable"})
		return
	}
	root.Send(protocol.CancelMessage{TaskID: c.Param("id")})
	c.JSON(http.StatusAccepted, gin.H{"task_id": c.Param("id"), "status": "cancelling"})
}

// GetTraceEvents handles GET /api/traces/:trace_id/events.
func (s *Server) GetTraceEvents(c *gin.Context) {
	if s.traces == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event retention disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": s.traces.ByTrace(c.Param("trace_id"))})
}
