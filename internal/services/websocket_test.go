package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(h *WebSocketHub, id, role, agentID string, buffer int) *WebSocketClient {
	c := &WebSocketClient{ID: id, Role: role, AgentID: agentID, Send: make(chan WebSocketMessage, buffer), Hub: h}
	h.clients[id] = c
	return c
}

func TestWebSocketHub_RoutesByTarget(t *testing.T) {
	h := NewWebSocketHub(newTestLogger())
	a1 := newTestClient(h, "c1", RoleAgent, "a1", 4)
	a2 := newTestClient(h, "c2", RoleAgent, "a2", 4)
	admin := newTestClient(h, "c3", RoleAdmin, "", 4)

	h.deliver(WebSocketMessage{Type: MessageChatAssigned, AgentID: "a1", SessionID: "s1", target: RoleAgent})
	h.deliver(WebSocketMessage{Type: MessageAssignmentFailed, SessionID: "s2", target: RoleAdmin})
	h.deliver(WebSocketMessage{Type: MessagePresence, AgentID: "a2"})

	assert.Len(t, a1.Send, 2)
	assert.Len(t, a2.Send, 1)
	assert.Len(t, admin.Send, 2)
	assert.Equal(t, MessageChatAssigned, (<-a1.Send).Type)
	assert.Equal(t, MessageAssignmentFailed, (<-admin.Send).Type)
}

func TestWebSocketHub_DropsSlowClient(t *testing.T) {
	h := NewWebSocketHub(newTestLogger())
	slow := newTestClient(h, "slow", RoleAdmin, "", 1)
	newTestClient(h, "fast", RoleAdmin, "", 4)

	h.deliver(WebSocketMessage{Type: MessagePresence})
	h.deliver(WebSocketMessage{Type: MessagePresence})

	assert.Equal(t, 1, h.GetClientCount())
	<-slow.Send
	_, ok := <-slow.Send
	assert.False(t, ok, "slow client channel closed")
}

func TestWebSocketHub_NotifyRespectsContext(t *testing.T) {
	h := NewWebSocketHub(newTestLogger())
	for i := 0; i < cap(h.broadcast); i++ {
		require.NoError(t, h.NotifyAdminFailure(context.Background(), "s1"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, h.NotifyAgentAssigned(ctx, "a1", "s1"))
}

func TestWebSocketHub_RunDeliversAndShutsDown(t *testing.T) {
	h := NewWebSocketHub(newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	client := &WebSocketClient{ID: "c1", Role: RoleAgent, AgentID: "a1", Send: make(chan WebSocketMessage, 4), Hub: h}
	h.register <- client
	require.NoError(t, h.NotifyAgentAssigned(context.Background(), "a1", "s9"))

	select {
	case msg := <-client.Send:
		assert.Equal(t, "s9", msg.SessionID)
		assert.False(t, msg.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	<-done
	assert.Equal(t, 0, h.GetClientCount())
}

func TestWebSocketHub_RequiresAgentID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewWebSocketHub(newTestLogger())
	r := gin.New()
	r.GET("/ws", h.HandleWebSocket)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?role=agent", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
