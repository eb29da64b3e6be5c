package handlers

import (
	"net/http"
	"strconv"
	"time"

	"chatassign/internal/models"
	"chatassign/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SessionHandler 会话信号与人工/管理员分配命令
type SessionHandler struct {
	orchestrator *services.ReassignmentOrchestrator
	monitor      *services.ActivityMonitor
	audit        *services.GormAuditSink
	logger       *logrus.Logger
}

// NewSessionHandler 创建会话处理器；audit 为 nil 时审计查询返回 404
func NewSessionHandler(orchestrator *services.ReassignmentOrchestrator, monitor *services.ActivityMonitor, audit *services.GormAuditSink, logger *logrus.Logger) *SessionHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SessionHandler{orchestrator: orchestrator, monitor: monitor, audit: audit, logger: logger}
}

type OpenSessionRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

type SessionResponse struct {
	Session *models.ChatSession         `json:"session"`
	Outcome *services.AssignmentOutcome `json:"outcome,omitempty"`
}

// OpenSession 用户发出第一条消息
// @Summary 创建会话
// @Tags 会话分配
// @Accept json
// @Produce json
// @Param body body OpenSessionRequest true "用户"
// @Success 201 {object} SessionResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/assignment/sessions [post]
func (h *SessionHandler) OpenSession(c *gin.Context) {
	var req OpenSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	sess, outcome, err := h.orchestrator.OpenSession(c.Request.Context(), req.UserID)
	if err != nil {
		h.logger.Errorf("Failed to open session for user %s: %v", req.UserID, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, SessionResponse{Session: sess, Outcome: outcome})
}

// GetSession 获取会话
// @Router /api/v1/assignment/sessions/{id} [get]
func (h *SessionHandler) GetSession(c *gin.Context) {
	sess, err := h.orchestrator.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type ActivityRequest struct {
	UserID string `json:"user_id"`
}

// RecordActivity 用户心跳（发消息、输入、页面可见）
// @Router /api/v1/assignment/sessions/{id}/activity [post]
func (h *SessionHandler) RecordActivity(c *gin.Context) {
	var req ActivityRequest
	_ = c.ShouldBindJSON(&req)

	ctx := c.Request.Context()
	sess, err := h.orchestrator.GetSession(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.IsClosed() {
		respondError(c, services.ErrSessionClosed)
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = sess.UserID
	}
	h.monitor.RecordActivity(ctx, sess.ID, userID, time.Now())
	state, _ := h.monitor.State(sess.ID)
	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID, "state": state.String()})
}

// RecordLeave 用户关闭页面
// @Router /api/v1/assignment/sessions/{id}/leave [post]
func (h *SessionHandler) RecordLeave(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := h.orchestrator.GetSession(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.IsClosed() {
		respondError(c, services.ErrSessionClosed)
		return
	}
	fired, err := h.monitor.RecordImmediateLeave(ctx, sess.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": sess.ID, "user_left": fired})
}

// ClaimSession 客服“分配给我”
// @Router /api/v1/assignment/sessions/{id}/claim [post]
func (h *SessionHandler) ClaimSession(c *gin.Context) {
	agentID := c.GetHeader(HeaderAgentID)
	if agentID == "" {
		badRequest(c, HeaderAgentID+" header is required")
		return
	}
	outcome, err := h.orchestrator.ClaimSession(c.Request.Context(), c.Param("id"), agentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// Unassign 客服释放会话；带 X-Admin-ID 时为管理员操作
// @Router /api/v1/assignment/sessions/{id}/unassign [post]
func (h *SessionHandler) Unassign(c *gin.Context) {
	requester, admin := c.GetHeader(HeaderAgentID), false
	if adminID := c.GetHeader(HeaderAdminID); adminID != "" {
		requester, admin = adminID, true
	}
	if requester == "" {
		badRequest(c, HeaderAgentID+" or "+HeaderAdminID+" header is required")
		return
	}
	outcome, err := h.orchestrator.Unassign(c.Request.Context(), c.Param("id"), requester, admin)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

type ForceAssignRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

// ForceAssign 管理员指派
// @Router /api/v1/assignment/sessions/{id}/force-assign [post]
func (h *SessionHandler) ForceAssign(c *gin.Context) {
	var req ForceAssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	outcome, err := h.orchestrator.ForceAssign(c.Request.Context(), c.Param("id"), req.AgentID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.logger.Infof("Admin %s force-assigned session %s to %s", c.GetHeader(HeaderAdminID), c.Param("id"), req.AgentID)
	c.JSON(http.StatusOK, outcome)
}

// UnlockSession 管理员解锁
// @Router /api/v1/assignment/sessions/{id}/unlock [post]
func (h *SessionHandler) UnlockSession(c *gin.Context) {
	sess, err := h.orchestrator.UnlockSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type EndChatRequest struct {
	Reason         string `json:"reason" binding:"required"`
	ClosingMessage string `json:"closing_message"`
}

// EndChat 管理员结束会话
// @Router /api/v1/assignment/sessions/{id}/end [post]
func (h *SessionHandler) EndChat(c *gin.Context) {
	var req EndChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	sess, err := h.orchestrator.EndChat(c.Request.Context(), c.Param("id"), req.Reason, req.ClosingMessage)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ListEvents 会话重分配审计记录
// @Router /api/v1/assignment/sessions/{id}/events [get]
func (h *SessionHandler) ListEvents(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found", Message: "reassignment logs are not stored"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := h.audit.ListEvents(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.logger.Errorf("Failed to list events for session %s: %v", c.Param("id"), err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events, "total": len(events)})
}
