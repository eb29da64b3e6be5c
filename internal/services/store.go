package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatassign/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PresenceDelta 与会话提交同事务调整的客服负载
type PresenceDelta struct {
	AgentID string
	Delta   int
}

// SessionStore 会话与负载持久化
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.ChatSession) error
	GetSession(ctx context.Context, id string) (*models.ChatSession, error)
	// ListWaitingSessions 未分配且未关闭的会话，按 created_at 先进先出；limit<=0 表示不限
	ListWaitingSessions(ctx context.Context, limit int) ([]models.ChatSession, error)
	ListSessionsByAgent(ctx context.Context, agentID string) ([]models.ChatSession, error)
	ListOpenSessions(ctx context.Context) ([]models.ChatSession, error)
	// CommitSessionTransition 乐观提交：版本不匹配时返回 ErrConcurrencyConflict，
	// 成功后 s.Version 为新版本。deltas 在同一事务内应用。
	CommitSessionTransition(ctx context.Context, s *models.ChatSession, expectedVersion int64, deltas ...PresenceDelta) error
	CommitPresenceDelta(ctx context.Context, agentID string, delta int) error
	// MarkUserLeftHandled 记录本次用户离开已处理，不改变会话版本
	MarkUserLeftHandled(ctx context.Context, sessionID string, at time.Time) error
}

// GormStore 基于 GORM 的会话、在线状态存储
type GormStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewGormStore(db *gorm.DB, logger *logrus.Logger) *GormStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &GormStore{db: db, logger: logger}
}

// CreateSession 新建会话，版本从 1 开始
func (s *GormStore) CreateSession(ctx context.Context, sess *models.ChatSession) error {
	if sess.Version == 0 {
		sess.Version = 1
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *GormStore) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	var sess models.ChatSession
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *GormStore) ListWaitingSessions(ctx context.Context, limit int) ([]models.ChatSession, error) {
	q := s.db.WithContext(ctx).
		Where("status <> ? AND assigned_agent_id IS NULL", models.SessionStatusClosed).
		Order("created_at ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.ChatSession
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list waiting sessions: %w", err)
	}
	return out, nil
}

func (s *GormStore) ListSessionsByAgent(ctx context.Context, agentID string) ([]models.ChatSession, error) {
	var out []models.ChatSession
	if err := s.db.WithContext(ctx).
		Where("assigned_agent_id = ? AND status <> ?", agentID, models.SessionStatusClosed).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions for agent %s: %w", agentID, err)
	}
	return out, nil
}

func (s *GormStore) ListOpenSessions(ctx context.Context) ([]models.ChatSession, error) {
	var out []models.ChatSession
	if err := s.db.WithContext(ctx).
		Where("status <> ?", models.SessionStatusClosed).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list open sessions: %w", err)
	}
	return out, nil
}

func (s *GormStore) CommitSessionTransition(ctx context.Context, sess *models.ChatSession, expectedVersion int64, deltas ...PresenceDelta) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// last_user_activity_at 与 user_left_handled_at 由各自的方法单独写入
		res := tx.Model(&models.ChatSession{}).
			Where("id = ? AND version = ?", sess.ID, expectedVersion).
			Updates(map[string]interface{}{
				"status":             sess.Status,
				"assigned_agent_id":  sess.AssignedAgentID,
				"previous_agent_id":  sess.PreviousAgentID,
				"reassignment_count": sess.ReassignmentCount,
				"unlocked_at_count":  sess.UnlockedAtCount,
				"locked":             sess.Locked,
				"last_reassigned_at": sess.LastReassignedAt,
				"close_reason":       sess.CloseReason,
				"closing_message":    sess.ClosingMessage,
				"closed_at":          sess.ClosedAt,
				"version":            expectedVersion + 1,
				"updated_at":         now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrConcurrencyConflict
		}
		for _, d := range deltas {
			if err := applyPresenceDelta(tx, d.AgentID, d.Delta, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	sess.Version = expectedVersion + 1
	sess.UpdatedAt = now
	return nil
}

func (s *GormStore) CommitPresenceDelta(ctx context.Context, agentID string, delta int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return applyPresenceDelta(tx, agentID, delta, time.Now())
	})
}

// applyPresenceDelta 调整负载，结果截断为 0；记录不存在时先创建
func applyPresenceDelta(tx *gorm.DB, agentID string, delta int, now time.Time) error {
	if agentID == "" || delta == 0 {
		return nil
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.AgentPresence{AgentID: agentID, LastSeenAt: now}).Error; err != nil {
		return fmt.Errorf("failed to ensure presence row for %s: %w", agentID, err)
	}
	if err := tx.Model(&models.AgentPresence{}).
		Where("agent_id = ?", agentID).
		Updates(map[string]interface{}{
			"active_chat_count": gorm.Expr("CASE WHEN active_chat_count + ? < 0 THEN 0 ELSE active_chat_count + ? END", delta, delta),
			"updated_at":        now,
		}).Error; err != nil {
		return fmt.Errorf("failed to update active chat count for %s: %w", agentID, err)
	}
	return nil
}

// TouchUserActivity 记录用户最后活跃时间，不改变会话版本
func (s *GormStore) TouchUserActivity(ctx context.Context, sessionID string, at time.Time) error {
	if err := s.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("id = ? AND status <> ?", sessionID, models.SessionStatusClosed).
		Update("last_user_activity_at", at).Error; err != nil {
		return fmt.Errorf("failed to touch session %s: %w", sessionID, err)
	}
	return nil
}

func (s *GormStore) MarkUserLeftHandled(ctx context.Context, sessionID string, at time.Time) error {
	if err := s.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("id = ?", sessionID).
		Update("user_left_handled_at", at).Error; err != nil {
		return fmt.Errorf("failed to mark user left for session %s: %w", sessionID, err)
	}
	return nil
}

// SavePresence 保存在线状态；已有记录不覆盖 active_chat_count
func (s *GormStore) SavePresence(ctx context.Context, p *models.AgentPresence) error {
	row := *p
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_online", "last_seen_at", "priority", "updated_at"}),
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to save presence for %s: %w", p.AgentID, err)
	}
	return nil
}

func (s *GormStore) ListPresence(ctx context.Context) ([]models.AgentPresence, error) {
	var out []models.AgentPresence
	if err := s.db.WithContext(ctx).Order("agent_id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}
	return out, nil
}

// ReconcilePresenceCounts 按未关闭会话重新计算全部客服负载（启动时使用）
func (s *GormStore) ReconcilePresenceCounts(ctx context.Context) error {
	type row struct {
		AgentID string
		Count   int
	}
	var rows []row
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ChatSession{}).
			Select("assigned_agent_id AS agent_id, COUNT(*) AS count").
			Where("assigned_agent_id IS NOT NULL AND status <> ?", models.SessionStatusClosed).
			Group("assigned_agent_id").
			Scan(&rows).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.AgentPresence{}).
			Where("1 = 1").
			Update("active_chat_count", 0).Error; err != nil {
			return err
		}
		now := time.Now()
		for _, r := range rows {
			if err := applyPresenceDelta(tx, r.AgentID, r.Count, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reconcile presence counts: %w", err)
	}
	s.logger.Infof("Reconciled active chat counts for %d agents", len(rows))
	return nil
}
