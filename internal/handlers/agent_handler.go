package handlers

import (
	"net/http"

	"chatassign/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AgentHandler 客服在线状态信号
type AgentHandler struct {
	registry *services.PresenceRegistry
	logger   *logrus.Logger
}

func NewAgentHandler(registry *services.PresenceRegistry, logger *logrus.Logger) *AgentHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AgentHandler{registry: registry, logger: logger}
}

// Heartbeat 客服控制台心跳，首次心跳即上线
func (h *AgentHandler) Heartbeat(c *gin.Context) {
	agentID := c.Param("id")
	became := h.registry.Heartbeat(c.Request.Context(), agentID)
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "online": true, "became_online": became})
}

func (h *AgentHandler) Login(c *gin.Context) {
	agentID := c.Param("id")
	became := h.registry.SetOnline(c.Request.Context(), agentID)
	h.logger.Infof("Agent %s logged in", agentID)
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "online": true, "became_online": became})
}

func (h *AgentHandler) Logout(c *gin.Context) {
	agentID := c.Param("id")
	changed := h.registry.SetOffline(c.Request.Context(), agentID)
	h.logger.Infof("Agent %s logged out", agentID)
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "online": false, "changed": changed})
}

type PriorityRequest struct {
	Priority *int `json:"priority" binding:"required"`
}

// SetPriority 设置外部优先级（priority_based 策略使用）
func (h *AgentHandler) SetPriority(c *gin.Context) {
	var req PriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.registry.SetPriority(c.Request.Context(), c.Param("id"), *req.Priority); err != nil {
		respondError(c, err)
		return
	}
	p, _ := h.registry.Get(c.Param("id"))
	c.JSON(http.StatusOK, p)
}

// ListAgents 全部客服在线状态与负载
func (h *AgentHandler) ListAgents(c *gin.Context) {
	agents := h.registry.Snapshot()
	online := 0
	for _, a := range agents {
		if a.IsOnline {
			online++
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": agents, "total": len(agents), "online": online})
}
