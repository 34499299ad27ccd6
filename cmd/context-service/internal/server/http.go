package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"agentcontext/cmd/context-service/internal/biz"
	"agentcontext/cmd/context-service/internal/domain"
	"agentcontext/cmd/context-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPServer HTTP 服务器
type HTTPServer struct {
	engine  *gin.Engine
	service *service.ContextService
	logger  log.Logger
}

// NewHTTPServer 创建 HTTP 服务器
func NewHTTPServer(srv *service.ContextService, logger log.Logger) *HTTPServer {
	engine := gin.New()

	s := &HTTPServer{
		engine:  engine,
		service: srv,
		logger:  logger,
	}

	s.registerMiddleware()
	s.registerRoutes()

	return s
}

// Engine 返回底层 gin engine
func (s *HTTPServer) Engine() *gin.Engine {
	return s.engine
}

func (s *HTTPServer) registerMiddleware() {
	s.engine.Use(RecoveryMiddleware(s.logger))
	s.engine.Use(RequestIDMiddleware())
	s.engine.Use(LoggingMiddleware(s.logger))
}

func (s *HTTPServer) registerRoutes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api/v1")

	ctx := api.Group("/context")
	{
		ctx.POST("/:thread_id/turn", s.turn)
		ctx.POST("/:thread_id/complete", s.complete)
	}

	sessions := api.Group("/sessions")
	{
		sessions.GET("/:thread_id", s.getSession)
		sessions.DELETE("/:thread_id", s.deleteSession)
		sessions.GET("/:thread_id/errors", s.getErrors)
		sessions.POST("/:thread_id/errors", s.appendError)
		sessions.GET("/:thread_id/summary-backups", s.getSummaryBackups)
		sessions.POST("/:thread_id/tools", s.recordToolResult)
		sessions.GET("/:thread_id/tools/:call_id", s.getToolResult)
	}
}

func (s *HTTPServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func threadID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("thread_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: 400, Message: "invalid thread_id"})
		return 0, false
	}
	return id, true
}

// TurnRequest 用户轮次请求
type TurnRequest struct {
	UserID           string `json:"user_id" binding:"required"`
	Input            string `json:"input" binding:"required"`
	Persona          string `json:"persona"`
	Instruction      string `json:"instruction"`
	EmotionalContext string `json:"emotional_context"`
}

func (s *HTTPServer) turn(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}

	var req TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: 400, Message: err.Error()})
		return
	}

	result, err := s.service.Turn(c.Request.Context(), id, req.UserID, req.Input, biz.PromptInputs{
		Persona:          req.Persona,
		Instruction:      req.Instruction,
		EmotionalContext: req.EmotionalContext,
	})
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, gin.H{
		"thread_id":  id,
		"turn_count": result.Session.TurnCount,
		"estimate":   result.Estimate,
		"assembled":  result.Assembled,
	})
}

// CompleteRequest 助手回复上报请求
type CompleteRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Response string `json:"response" binding:"required"`
}

func (s *HTTPServer) complete(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}

	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: 400, Message: err.Error()})
		return
	}

	session, err := s.service.Complete(c.Request.Context(), id, req.UserID, req.Response)
	if err != nil {
		Error(c, err)
		return
	}

	Success(c, gin.H{
		"thread_id":     id,
		"message_count": len(session.Messages),
		"turn_count":    session.TurnCount,
	})
}

func (s *HTTPServer) getSession(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}

	session, err := s.service.GetSession(c.Request.Context(), id)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, session)
}

func (s *HTTPServer) deleteSession(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}

	// teardown=true 时连同辅助集合一起清理
	var err error
	if c.Query("teardown") == "true" {
		err = s.service.TeardownSession(c.Request.Context(), id)
	} else {
		err = s.service.DeleteSession(c.Request.Context(), id)
	}
	if err != nil {
		Error(c, err)
		return
	}
	NoContent(c)
}

func (s *HTTPServer) getErrors(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}

	entries, err := s.service.GetErrors(c.Request.Context(), id)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, entries)
}

func (s *HTTPServer) appendError(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}

	var entry domain.ErrorEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: 400, Message: err.Error()})
		return
	}

	if err := s.service.AppendError(c.Request.Context(), id, &entry); err != nil {
		Error(c, err)
		return
	}
	NoContent(c)
}

func (s *HTTPServer) getSummaryBackups(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}

	backups, err := s.service.GetSummaryBackups(c.Request.Context(), id)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, backups)
}

// ToolResultRequest 工具结果上报请求
type ToolResultRequest struct {
	UserID   string          `json:"user_id" binding:"required"`
	ToolName string          `json:"tool_name" binding:"required"`
	Payload  json.RawMessage `json:"payload" binding:"required"`
}

func (s *HTTPServer) recordToolResult(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}

	var req ToolResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Code: 400, Message: err.Error()})
		return
	}

	callID, err := s.service.RecordToolResult(c.Request.Context(), id, req.UserID, req.ToolName, req.Payload)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, gin.H{"call_id": callID})
}

func (s *HTTPServer) getToolResult(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}

	result, err := s.service.GetToolResult(c.Request.Context(), id, c.Param("call_id"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, result)
}
