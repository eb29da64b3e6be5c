package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// 控制台角色
const (
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

// 推送消息类型
const (
	MessageChatAssigned     = "chat_assigned"
	MessageAssignmentFailed = "assignment_failed"
	MessagePresence         = "presence"
	MessageHeartbeat        = "heartbeat"
)

type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	AgentID   string      `json:"agent_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`

	target string // 空表示全部，agent 只发给 AgentID 对应的客服，admin 只发给管理员
}

type WebSocketClient struct {
	ID      string
	AgentID string
	Role    string
	Conn    *websocket.Conn
	Send    chan WebSocketMessage
	Hub     *WebSocketHub
}

// WebSocketHub 管理后台控制台连接，实现 NotificationSink
type WebSocketHub struct {
	clients    map[string]*WebSocketClient
	broadcast  chan WebSocketMessage
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	mutex      sync.RWMutex
	logger     *logrus.Logger

	heartbeat func(ctx context.Context, agentID string)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 生产环境需要验证源
	},
}

func NewWebSocketHub(logger *logrus.Logger) *WebSocketHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebSocketHub{
		clients:    make(map[string]*WebSocketClient),
		broadcast:  make(chan WebSocketMessage, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		logger:     logger,
	}
}

// SetHeartbeatHandler 客服控制台通过 socket 发送心跳时调用
func (h *WebSocketHub) SetHeartbeatHandler(fn func(ctx context.Context, agentID string)) {
	h.heartbeat = fn
}

func (h *WebSocketHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.Send)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			h.logger.Infof("Console %s connected (role=%s agent=%s)", client.ID, client.Role, client.AgentID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				h.logger.Infof("Console %s disconnected", client.ID)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

func (h *WebSocketHub) deliver(message WebSocketMessage) {
	var slow []*WebSocketClient
	h.mutex.RLock()
	for _, client := range h.clients {
		if !accepts(client, message) {
			continue
		}
		select {
		case client.Send <- message:
		default:
			slow = append(slow, client)
		}
	}
	h.mutex.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mutex.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client.ID]; ok {
			delete(h.clients, client.ID)
			close(client.Send)
			h.logger.Warnf("Console %s too slow, disconnected", client.ID)
		}
	}
	h.mutex.Unlock()
}

func accepts(client *WebSocketClient, message WebSocketMessage) bool {
	switch message.target {
	case RoleAgent:
		return client.AgentID != "" && client.AgentID == message.AgentID
	case RoleAdmin:
		return client.Role == RoleAdmin
	}
	return true
}

func (h *WebSocketHub) HandleWebSocket(c *gin.Context) {
	role := c.DefaultQuery("role", RoleAgent)
	agentID := c.Query("agent_id")
	if role != RoleAdmin && agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Bad Request", "message": "agent_id is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed:", err)
		return
	}

	client := &WebSocketClient{
		ID:      uuid.NewString(),
		AgentID: agentID,
		Role:    role,
		Conn:    conn,
		Send:    make(chan WebSocketMessage, 64),
		Hub:     h,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Errorf("WebSocket error: %v", err)
			}
			break
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			c.Hub.logger.Error("Invalid message format:", err)
			continue
		}

		switch message.Type {
		case MessageHeartbeat:
			if c.AgentID != "" && c.Hub.heartbeat != nil {
				c.Hub.heartbeat(context.Background(), c.AgentID)
			}
		default:
			c.Hub.logger.Warnf("Unknown message type: %s", message.Type)
		}
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				c.Hub.logger.Error("WriteJSON error:", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHub) send(ctx context.Context, message WebSocketMessage) error {
	message.Timestamp = time.Now()
	select {
	case h.broadcast <- message:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("websocket %s: %w", message.Type, ctx.Err())
	}
}

// NotifyAgentAssigned 推送给被分配客服的控制台
func (h *WebSocketHub) NotifyAgentAssigned(ctx context.Context, agentID, sessionID string) error {
	return h.send(ctx, WebSocketMessage{
		Type:      MessageChatAssigned,
		SessionID: sessionID,
		AgentID:   agentID,
		target:    RoleAgent,
	})
}

// NotifyAdminFailure 推送给全部管理员控制台
func (h *WebSocketHub) NotifyAdminFailure(ctx context.Context, sessionID string) error {
	return h.send(ctx, WebSocketMessage{
		Type:      MessageAssignmentFailed,
		SessionID: sessionID,
		Data:      gin.H{"reason": "no agent available"},
		target:    RoleAdmin,
	})
}

// ForwardPresence 把在线状态事件广播给全部控制台，ctx 结束时返回
func (h *WebSocketHub) ForwardPresence(ctx context.Context, bus PresenceBus) error {
	events, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	for evt := range events {
		if err := h.send(ctx, WebSocketMessage{Type: MessagePresence, AgentID: evt.AgentID, Data: evt}); err != nil {
			return nil
		}
	}
	return nil
}

func (h *WebSocketHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
