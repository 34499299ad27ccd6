package server

import (
	"errors"
	"net/http"

	"agentcontext/cmd/context-service/internal/domain"

	"github.com/gin-gonic/gin"
)

// Response 统一响应格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// NoContent 无内容响应
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Error 错误响应
func Error(c *gin.Context, err error) {
	statusCode, code, message := parseError(err)
	c.JSON(statusCode, Response{
		Code:    code,
		Message: message,
	})
}

// parseError 将领域错误映射到 HTTP 状态码
func parseError(err error) (statusCode, code int, message string) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrToolResultNotFound):
		return http.StatusNotFound, 404, err.Error()
	case errors.Is(err, domain.ErrBudgetViolation):
		return http.StatusUnprocessableEntity, 422, err.Error()
	case errors.Is(err, domain.ErrDeserialization):
		return http.StatusInternalServerError, 500, err.Error()
	case errors.Is(err, domain.ErrSummarizationFailed):
		return http.StatusBadGateway, 502, err.Error()
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, 503, err.Error()
	default:
		return http.StatusInternalServerError, 500, err.Error()
	}
}
