package handlers

import (
	"errors"
	"net/http"

	"chatassign/internal/services"

	"github.com/gin-gonic/gin"
)

// 调用方身份由上游网关注入
const (
	HeaderAgentID = "X-Agent-ID"
	HeaderAdminID = "X-Admin-ID"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// statusFor 把服务层错误映射为 HTTP 状态码
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		return http.StatusNotFound, "Session not found"
	case errors.Is(err, services.ErrAgentNotFound):
		return http.StatusNotFound, "Agent not found"
	case errors.Is(err, services.ErrAlreadyAssigned):
		return http.StatusConflict, "Already assigned"
	case errors.Is(err, services.ErrConcurrencyConflict):
		return http.StatusConflict, "Concurrent modification"
	case errors.Is(err, services.ErrSessionClosed):
		return http.StatusConflict, "Session closed"
	case errors.Is(err, services.ErrNotAssignee):
		return http.StatusForbidden, "Not the assignee"
	case errors.Is(err, services.ErrBlockedByLock):
		return http.StatusLocked, "Session locked"
	case errors.Is(err, services.ErrBlockedByLimit):
		return http.StatusTooManyRequests, "Reassignment limit"
	case errors.Is(err, services.ErrInvalidSettings), errors.Is(err, services.ErrInvalidCloseReason):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, services.ErrConfigUnavailable):
		return http.StatusServiceUnavailable, "Settings unavailable"
	}
	return http.StatusInternalServerError, "Internal error"
}

func respondError(c *gin.Context, err error) {
	status, title := statusFor(err)
	c.JSON(status, ErrorResponse{Error: title, Message: err.Error()})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: message})
}
