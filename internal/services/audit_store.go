package services

import (
	"context"
	"fmt"

	"chatassign/internal/models"

	"gorm.io/gorm"
)

// GormAuditSink 审计记录写入 reassignment_events 表
type GormAuditSink struct {
	db *gorm.DB
}

func NewGormAuditSink(db *gorm.DB) *GormAuditSink {
	return &GormAuditSink{db: db}
}

func (s *GormAuditSink) Append(ctx context.Context, evt models.ReassignmentEvent) error {
	if err := s.db.WithContext(ctx).Create(&evt).Error; err != nil {
		return fmt.Errorf("failed to append reassignment event: %w", err)
	}
	return nil
}

// ListEvents 会话的审计记录，最新在前
func (s *GormAuditSink) ListEvents(ctx context.Context, sessionID string, limit int) ([]models.ReassignmentEvent, error) {
	switch {
	case limit <= 0:
		limit = 100
	case limit > 500:
		limit = 500
	}
	var out []models.ReassignmentEvent
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("occurred_at DESC").Order("id DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list reassignment events: %w", err)
	}
	return out, nil
}
