package handlers

import (
	"context"
	"net/http"
	"time"

	"chatassign/internal/config"
	"chatassign/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EnhancedHealthHandler 健康检查处理器：数据库、Redis、设置读取
type EnhancedHealthHandler struct {
	config   *config.Config
	db       *gorm.DB
	redis    redis.UniversalClient
	settings services.SettingsProvider
	logger   *logrus.Logger
}

// NewEnhancedHealthHandler 创建健康检查处理器；redis 可为 nil
func NewEnhancedHealthHandler(cfg *config.Config, db *gorm.DB, rdb redis.UniversalClient, settings services.SettingsProvider) *EnhancedHealthHandler {
	return &EnhancedHealthHandler{
		config:   cfg,
		db:       db,
		redis:    rdb,
		settings: settings,
		logger:   logrus.StandardLogger(),
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	Uptime    string                 `json:"uptime"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

var startTime = time.Now()

// Version 由 cli 在启动时设置
var Version = "dev"

// Health 健康检查端点
func (h *EnhancedHealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		Uptime:    time.Since(startTime).Round(time.Second).String(),
	}

	healthy := true
	if h.config.Monitoring.HealthChecks.Database {
		healthy = h.check(ctx, &response, "database", h.pingDatabase) && healthy
	}
	if h.config.Monitoring.HealthChecks.Redis && h.config.Redis.Enabled {
		healthy = h.check(ctx, &response, "redis", h.pingRedis) && healthy
	}
	// 设置不可用时自动重分配停止，视为降级
	healthy = h.check(ctx, &response, "settings", h.checkSettings) && healthy

	if !healthy {
		response.Status = "degraded"
	}
	c.JSON(http.StatusOK, response)
}

// Ready 就绪检查端点：数据库与设置都可用才就绪
func (h *EnhancedHealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := true
	checks := make(map[string]string)
	for name, fn := range map[string]func(context.Context) error{
		"database": h.pingDatabase,
		"settings": h.checkSettings,
	} {
		if err := fn(ctx); err != nil {
			checks[name] = "not_ready"
			ready = false
			continue
		}
		checks[name] = "ready"
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  checks,
	})
}

func (h *EnhancedHealthHandler) check(ctx context.Context, response *HealthResponse, name string, fn func(context.Context) error) bool {
	start := time.Now()
	info := ServiceInfo{Status: "healthy"}
	err := fn(ctx)
	info.Latency = time.Since(start).String()
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		h.logger.Warnf("Health check %s failed: %v", name, err)
	}
	response.Services[name] = info
	return err == nil
}

func (h *EnhancedHealthHandler) pingDatabase(ctx context.Context) error {
	if h.db == nil {
		return errNotInitialized("database")
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (h *EnhancedHealthHandler) pingRedis(ctx context.Context) error {
	if h.redis == nil {
		return errNotInitialized("redis")
	}
	return h.redis.Ping(ctx).Err()
}

func (h *EnhancedHealthHandler) checkSettings(ctx context.Context) error {
	if h.settings == nil {
		return errNotInitialized("settings")
	}
	_, err := h.settings.GetReassignmentSettings(ctx)
	return err
}

type errNotInitialized string

func (e errNotInitialized) Error() string {
	return string(e) + " connection not initialized"
}
