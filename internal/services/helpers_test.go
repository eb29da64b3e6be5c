package services

import (
	"strings"
	"testing"
	"time"

	"chatassign/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T, prefix string) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:" + prefix + "_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

// testSettings 合法的默认测试设置
func testSettings() ReassignmentSettings {
	return ReassignmentSettings{
		AutoReassignmentEnabled:   true,
		InactivityTimeout:         30 * time.Second,
		GracePeriod:               10 * time.Second,
		ImmediateLeaveOnClose:     true,
		ExcludePreviousAgent:      true,
		AllowBusyAgentFallback:    false,
		Strategy:                  StrategyLeastActive,
		MaxChatsPerAgent:          5,
		AgentInactivityTimeout:    120 * time.Second,
		PreventRapidReassignment:  false,
		CooldownWindow:            5 * time.Second,
		MaxReassignments:          3,
		LockAfterMaxReassignments: true,
		AutoAssignOnAvailability:  true,
		NotifyNewAgent:            true,
		NotifyAdminOnFailure:      true,
		EnableReassignmentLogs:    true,
		LogRetentionDays:          30,
	}
}

func agent(id string, online bool, load int, lastSeen time.Time) models.AgentPresence {
	return models.AgentPresence{AgentID: id, IsOnline: online, ActiveChatCount: load, LastSeenAt: lastSeen}
}
