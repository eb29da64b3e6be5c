package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatassign/internal/config"
	"chatassign/internal/models"
	"chatassign/internal/services"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	router   *gin.Engine
	db       *gorm.DB
	registry *services.PresenceRegistry
	sink     *services.RecordingSink
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:handlers_"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := config.GetDefaultConfig()
	db := newTestDB(t)
	store := services.NewGormStore(db, logger)
	provider := services.NewGormSettingsProvider(db, services.DefaultSettings(cfg.Reassignment), logger)
	registry := services.NewPresenceRegistry(clock.New(), logger)
	registry.SetStore(store)

	sink := &services.RecordingSink{}
	audit := services.NewGormAuditSink(db)
	dispatcher := services.NewNotificationDispatcher(sink, services.MultiAuditSink{audit, sink}, provider, 16, logger)
	t.Cleanup(dispatcher.Close)

	orch := services.NewReassignmentOrchestrator(store, registry, services.NewAssignmentPolicy(), provider, syncDispatcher{dispatcher}, logger)
	monitor := services.NewActivityMonitor(provider, orch, clock.New(), logger)
	monitor.SetStore(store)
	orch.SetActivityMonitor(monitor)
	hub := services.NewWebSocketHub(logger)

	r := gin.New()
	api := r.Group("/api/v1/assignment")
	RegisterSessionRoutes(api, NewSessionHandler(orch, monitor, audit, logger))
	RegisterAgentRoutes(api, NewAgentHandler(registry, logger))
	RegisterSettingsRoutes(api, NewSettingsHandler(provider, logger))
	metricsHandler := NewMetricsHandler(hub, registry, monitor)
	RegisterConsoleRoutes(api, hub, metricsHandler)
	r.GET("/metrics", metricsHandler.GetMetrics)
	health := NewEnhancedHealthHandler(cfg, db, nil, provider)
	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)

	return &testEnv{router: r, db: db, registry: registry, sink: sink}
}

type syncDispatcher struct {
	d *services.NotificationDispatcher
}

func (s syncDispatcher) Dispatch(ctx context.Context, o services.AssignmentOutcome, settings *services.ReassignmentSettings) {
	s.d.Deliver(ctx, o, settings)
}

func (e *testEnv) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) openSession(t *testing.T, userID string) SessionResponse {
	t.Helper()
	w := e.do(http.MethodPost, "/api/v1/assignment/sessions", gin.H{"user_id": userID}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func agentHeader(id string) map[string]string { return map[string]string{HeaderAgentID: id} }

func TestOpenSession_AssignsOnlineAgent(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodPost, "/api/v1/assignment/agents/a1/login", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := env.openSession(t, "u1")
	require.NotNil(t, resp.Outcome)
	assert.Equal(t, models.OutcomeSuccess, resp.Outcome.Outcome)
	assert.Equal(t, "a1", models.StringValue(resp.Session.AssignedAgentID))

	w = env.do(http.MethodGet, "/api/v1/assignment/sessions/"+resp.Session.ID, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodPost, "/api/v1/assignment/sessions", gin.H{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestClaimAndUnassign(t *testing.T) {
	env := newTestEnv(t)
	id := env.openSession(t, "u1").Session.ID
	env.do(http.MethodPost, "/api/v1/assignment/agents/a1/login", nil, nil)
	env.do(http.MethodPost, "/api/v1/assignment/agents/a2/login", nil, nil)

	w := env.do(http.MethodPost, "/api/v1/assignment/sessions/"+id+"/claim", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/v1/assignment/sessions/"+id+"/claim", nil, agentHeader("a1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(http.MethodPost, "/api/v1/assignment/sessions/"+id+"/claim", nil, agentHeader("a2"))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(http.MethodPost, "/api/v1/assignment/sessions/"+id+"/unassign", nil, agentHeader("a2"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodPost, "/api/v1/assignment/sessions/"+id+"/unassign", nil, agentHeader("a1"))
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodPost, "/api/v1/assignment/sessions/missing/claim", nil, agentHeader("a1"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/api/v1/assignment/sessions/"+id+"/events", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events struct {
		Data  []models.ReassignmentEvent `json:"data"`
		Total int                        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Equal(t, 2, events.Total)
	assert.Equal(t, models.TriggerManualUnassign, events.Data[0].Trigger)
}

func TestAdminCommands(t *testing.T) {
	env := newTestEnv(t)
	id := env.openSession(t, "u1").Session.ID
	env.do(http.MethodPost, "/api/v1/assignment/agents/a1/login", nil, nil)
	admin := map[string]string{HeaderAdminID: "admin-1"}

	// 没有管理员身份的请求在到达处理器前被拒绝
	for _, path := range []string{"/force-assign", "/unlock", "/end"} {
		w := env.do(http.MethodPost, "/api/v1/assignment/admin/sessions/"+id+path, gin.H{"agent_id": "a1", "reason": models.CloseReasonResolved}, agentHeader("a1"))
		assert.Equal(t, http.StatusForbidden, w.Code, path)
	}
	w := env.do(http.MethodGet, "/api/v1/assignment/sessions/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), `"status":"closed"`)

	w = env.do(http.MethodPost, "/api/v1/assignment/admin/sessions/"+id+"/force-assign", gin.H{"agent_id": "a1"}, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(http.MethodPost, "/api/v1/assignment/admin/sessions/"+id+"/force-assign", gin.H{"agent_id": "ghost"}, admin)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodPost, "/api/v1/assignment/admin/sessions/"+id+"/unlock", nil, admin)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodPost, "/api/v1/assignment/admin/sessions/"+id+"/end", gin.H{"reason": "bored"}, admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/v1/assignment/admin/sessions/"+id+"/end", gin.H{"reason": models.CloseReasonResolved, "closing_message": "bye"}, admin)
	require.Equal(t, http.StatusOK, w.Code)
	var sess models.ChatSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, models.SessionStatusClosed, sess.Status)

	w = env.do(http.MethodPost, "/api/v1/assignment/sessions/"+id+"/activity", gin.H{"user_id": "u1"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	a1, _ := env.registry.Get("a1")
	assert.Equal(t, 0, a1.ActiveChatCount)
}

func TestUserSignals(t *testing.T) {
	env := newTestEnv(t)
	id := env.openSession(t, "u1").Session.ID

	w := env.do(http.MethodPost, "/api/v1/assignment/sessions/"+id+"/activity", gin.H{"user_id": "u1"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"present"`)

	// chat_immediate_leave_on_close 默认关闭
	w = env.do(http.MethodPost, "/api/v1/assignment/sessions/"+id+"/leave", nil, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"user_left":false`)
}

func TestAgentRoutes(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/assignment/agents/a1/heartbeat", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"became_online":true`)

	w = env.do(http.MethodPut, "/api/v1/assignment/agents/a1/priority", gin.H{"priority": 5}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"priority":5`)

	w = env.do(http.MethodPut, "/api/v1/assignment/agents/ghost/priority", gin.H{"priority": 1}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodPost, "/api/v1/assignment/agents/a1/logout", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/api/v1/assignment/agents", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"online":0`)
	assert.Contains(t, w.Body.String(), `"total":1`)
}

func TestSettingsRoutes(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/assignment/settings", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"max_chats_per_agent":"5"`)

	w = env.do(http.MethodPut, "/api/v1/assignment/settings", gin.H{services.KeyMaxChatsPerAgent: 99}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPut, "/api/v1/assignment/settings", gin.H{"not_a_setting": true}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPut, "/api/v1/assignment/settings", gin.H{services.KeyMaxChatsPerAgent: 10, services.KeyAssignmentStrategy: "round_robin"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"max_chats_per_agent":"10"`)
	assert.Contains(t, w.Body.String(), `"chat_assignment_strategy":"round_robin"`)
}

func TestMetricsAndStats(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodPost, "/api/v1/assignment/agents/a1/login", nil, nil)

	w := env.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chatassign_agents_online 1")
	assert.Contains(t, w.Body.String(), "chatassign_websocket_active_connections 0")

	w = env.do(http.MethodGet, "/api/v1/assignment/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"agents_online":1`)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		services.ErrSessionNotFound:                               http.StatusNotFound,
		services.ErrAlreadyAssigned:                               http.StatusConflict,
		fmt.Errorf("commit: %w", services.ErrConcurrencyConflict): http.StatusConflict,
		services.ErrBlockedByLock:                                 http.StatusLocked,
		services.ErrBlockedByLimit:                                http.StatusTooManyRequests,
		services.ErrConfigUnavailable:                             http.StatusServiceUnavailable,
		services.ErrNotAssignee:                                   http.StatusForbidden,
		errors.New("disk on fire"):                                http.StatusInternalServerError,
	}
	for err, want := range cases {
		got, _ := statusFor(err)
		assert.Equal(t, want, got, err.Error())
	}
}
