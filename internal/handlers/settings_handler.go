package handlers

import (
	"context"
	"net/http"

	"chatassign/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

// SettingsStore 设置读写（GormSettingsProvider）
type SettingsStore interface {
	GetReassignmentSettings(ctx context.Context) (services.ReassignmentSettings, error)
	UpdateSettings(ctx context.Context, values map[string]string) (services.ReassignmentSettings, error)
}

type SettingsHandler struct {
	store  SettingsStore
	logger *logrus.Logger
}

func NewSettingsHandler(store SettingsStore, logger *logrus.Logger) *SettingsHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SettingsHandler{store: store, logger: logger}
}

// GetSettings 当前生效的设置（键值形式，与后台设置页一致）
func (h *SettingsHandler) GetSettings(c *gin.Context) {
	s, err := h.store.GetReassignmentSettings(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.ToValues()})
}

// UpdateSettings 部分更新；值可以是字符串、数字或布尔
func (h *SettingsHandler) UpdateSettings(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	values := make(map[string]string, len(body))
	for k, v := range body {
		s, err := cast.ToStringE(v)
		if err != nil {
			badRequest(c, "setting "+k+": "+err.Error())
			return
		}
		values[k] = s
	}
	s, err := h.store.UpdateSettings(c.Request.Context(), values)
	if err != nil {
		h.logger.Warnf("Rejected settings update: %v", err)
		respondError(c, err)
		return
	}
	h.logger.Infof("Reassignment settings updated by %s: %d keys", c.GetHeader(HeaderAdminID), len(values))
	c.JSON(http.StatusOK, gin.H{"data": s.ToValues()})
}
