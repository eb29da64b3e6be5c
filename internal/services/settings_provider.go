package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"chatassign/internal/models"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultSettingsRefresh 快照的默认有效期，到期后重新读取 chat_settings
const DefaultSettingsRefresh = 5 * time.Second

type settingsSnapshot struct {
	settings ReassignmentSettings
	loadedAt time.Time
}

// GormSettingsProvider 从 chat_settings 表读取键值设置并组装为类型化快照。
// 快照缓存在原子指针中，本实例更新时立即替换，其他写入者（CLI、其他实例）的修改在有效期到后生效。
type GormSettingsProvider struct {
	db       *gorm.DB
	logger   *logrus.Logger
	defaults ReassignmentSettings
	clock    clock.Clock
	refresh  time.Duration
	cached   atomic.Pointer[settingsSnapshot]
}

// NewGormSettingsProvider 创建设置提供者，defaults 用于表中缺失的键
func NewGormSettingsProvider(db *gorm.DB, defaults ReassignmentSettings, logger *logrus.Logger) *GormSettingsProvider {
	if logger == nil {
		logger = logrus.New()
	}
	return &GormSettingsProvider{
		db:       db,
		logger:   logger,
		defaults: defaults,
		clock:    clock.New(),
		refresh:  DefaultSettingsRefresh,
	}
}

// SetClock 替换时钟（测试使用）
func (p *GormSettingsProvider) SetClock(clk clock.Clock) {
	p.clock = clk
}

// SetRefreshInterval 设置快照有效期；<=0 时每次读取都访问数据库
func (p *GormSettingsProvider) SetRefreshInterval(d time.Duration) {
	p.refresh = d
}

// GetReassignmentSettings 返回当前快照；读取或校验失败时返回 ErrConfigUnavailable
func (p *GormSettingsProvider) GetReassignmentSettings(ctx context.Context) (ReassignmentSettings, error) {
	prev := p.cached.Load()
	if prev != nil && p.clock.Since(prev.loadedAt) < p.refresh {
		return prev.settings, nil
	}
	s, err := p.load(ctx)
	if err != nil {
		return ReassignmentSettings{}, fmt.Errorf("%w: %v", ErrConfigUnavailable, err)
	}
	if prev != nil && prev.settings != s {
		p.logger.Info("Reassignment settings changed, snapshot rebuilt")
	}
	p.store(s)
	return s, nil
}

func (p *GormSettingsProvider) store(s ReassignmentSettings) {
	p.cached.Store(&settingsSnapshot{settings: s, loadedAt: p.clock.Now()})
}

func (p *GormSettingsProvider) load(ctx context.Context) (ReassignmentSettings, error) {
	values, err := p.rawValues(ctx)
	if err != nil {
		return ReassignmentSettings{}, err
	}
	s, err := p.defaults.ApplyValues(values)
	if err != nil {
		return ReassignmentSettings{}, err
	}
	if err := s.Validate(); err != nil {
		return ReassignmentSettings{}, err
	}
	return s, nil
}

func (p *GormSettingsProvider) rawValues(ctx context.Context) (map[string]string, error) {
	var rows []models.ChatSetting
	if err := p.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load chat settings: %w", err)
	}
	values := make(map[string]string, len(rows))
	for _, r := range rows {
		values[r.Key] = r.Value
	}
	return values, nil
}

// UpdateSettings 校验后写入设置，并刷新缓存快照。
// 任何一个值不合法时整批拒绝，数据库不会留下部分更新。
func (p *GormSettingsProvider) UpdateSettings(ctx context.Context, values map[string]string) (ReassignmentSettings, error) {
	current, err := p.rawValues(ctx)
	if err != nil {
		return ReassignmentSettings{}, err
	}
	merged := make(map[string]string, len(current)+len(values))
	for k, v := range current {
		merged[k] = v
	}
	known := p.defaults.ToValues()
	for k, v := range values {
		if _, ok := known[k]; !ok {
			return ReassignmentSettings{}, fmt.Errorf("%w: unknown key %q", ErrInvalidSettings, k)
		}
		merged[k] = v
	}

	next, err := p.defaults.ApplyValues(merged)
	if err != nil {
		return ReassignmentSettings{}, err
	}
	if err := next.Validate(); err != nil {
		return ReassignmentSettings{}, err
	}

	now := time.Now()
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for k, v := range values {
			row := models.ChatSetting{Key: k, Value: v, UpdatedAt: now}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ReassignmentSettings{}, fmt.Errorf("failed to save chat settings: %w", err)
	}

	p.store(next)
	p.logger.Infof("Reassignment settings updated (%d keys)", len(values))
	return next, nil
}

// Invalidate 丢弃缓存，下次读取时重新加载
func (p *GormSettingsProvider) Invalidate() {
	p.cached.Store(nil)
}
