package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatassign/internal/models"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// PresenceStore 在线状态持久化（只写 is_online/last_seen_at/priority，负载计数由会话提交负责）
type PresenceStore interface {
	SavePresence(ctx context.Context, p *models.AgentPresence) error
}

// PresenceRegistry 客服在线状态与当前负载。
// 所有修改在同一把锁内完成；Snapshot 返回副本。
type PresenceRegistry struct {
	mu     sync.RWMutex
	agents map[string]*models.AgentPresence

	clock  clock.Clock
	bus    PresenceBus
	store  PresenceStore
	logger *logrus.Logger
}

// NewPresenceRegistry 创建在线状态注册表
func NewPresenceRegistry(clk clock.Clock, logger *logrus.Logger) *PresenceRegistry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &PresenceRegistry{
		agents: make(map[string]*models.AgentPresence),
		clock:  clk,
		logger: logger,
	}
}

// SetBus 设置在线状态事件总线
func (r *PresenceRegistry) SetBus(bus PresenceBus) {
	r.bus = bus
}

// SetStore 设置持久化
func (r *PresenceRegistry) SetStore(store PresenceStore) {
	r.store = store
}

// SetOnline 客服上线（或心跳）。首次出现时创建记录。
// 返回 true 表示发生了 离线→在线 的转换。
func (r *PresenceRegistry) SetOnline(ctx context.Context, agentID string) bool {
	now := r.clock.Now()

	r.mu.Lock()
	p, ok := r.agents[agentID]
	if !ok {
		p = &models.AgentPresence{AgentID: agentID, CreatedAt: now}
		r.agents[agentID] = p
	}
	transitioned := !p.IsOnline
	p.IsOnline = true
	p.LastSeenAt = now
	p.UpdatedAt = now
	saved := *p
	r.mu.Unlock()

	r.persist(ctx, &saved)
	if transitioned {
		r.logger.Infof("Agent %s is online", agentID)
		r.publish(ctx, PresenceEvent{AgentID: agentID, Online: true, At: now})
	}
	return transitioned
}

// Heartbeat 刷新 last_seen_at，离线客服的心跳等同于上线
func (r *PresenceRegistry) Heartbeat(ctx context.Context, agentID string) bool {
	return r.SetOnline(ctx, agentID)
}

// SetOffline 客服下线，幂等。返回 true 表示发生了 在线→离线 的转换。
func (r *PresenceRegistry) SetOffline(ctx context.Context, agentID string) bool {
	now := r.clock.Now()

	r.mu.Lock()
	p, ok := r.agents[agentID]
	if !ok || !p.IsOnline {
		r.mu.Unlock()
		return false
	}
	p.IsOnline = false
	p.UpdatedAt = now
	saved := *p
	r.mu.Unlock()

	r.persist(ctx, &saved)
	r.logger.Infof("Agent %s is offline", agentID)
	r.publish(ctx, PresenceEvent{AgentID: agentID, Online: false, At: now})
	return true
}

// IncrementActiveChats 调整客服当前会话数，结果小于 0 时记录警告并截断为 0
func (r *PresenceRegistry) IncrementActiveChats(agentID string, delta int) {
	if delta == 0 || agentID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.agents[agentID]
	if !ok {
		now := r.clock.Now()
		p = &models.AgentPresence{AgentID: agentID, CreatedAt: now, UpdatedAt: now}
		r.agents[agentID] = p
	}
	next := p.ActiveChatCount + delta
	if next < 0 {
		r.logger.WithFields(logrus.Fields{
			"agent_id": agentID,
			"count":    p.ActiveChatCount,
			"delta":    delta,
		}).Warn("presence inconsistent: active chat count would go negative, clamping to 0")
		next = 0
	}
	p.ActiveChatCount = next
}

// SetPriority 设置客服优先级（priority_based 策略使用）
func (r *PresenceRegistry) SetPriority(ctx context.Context, agentID string, priority int) error {
	r.mu.Lock()
	p, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	p.Priority = priority
	p.UpdatedAt = r.clock.Now()
	saved := *p
	r.mu.Unlock()

	r.persist(ctx, &saved)
	return nil
}

// Get 返回单个客服状态的副本
func (r *PresenceRegistry) Get(agentID string) (models.AgentPresence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.agents[agentID]
	if !ok {
		return models.AgentPresence{}, false
	}
	return *p, true
}

// Snapshot 返回按 agent id 排序的时间点副本
func (r *PresenceRegistry) Snapshot() []models.AgentPresence {
	r.mu.RLock()
	out := make([]models.AgentPresence, 0, len(r.agents))
	for _, p := range r.agents {
		out = append(out, *p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Restore 用持久化的记录替换内存状态（启动时调用）
func (r *PresenceRegistry) Restore(rows []models.AgentPresence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*models.AgentPresence, len(rows))
	for i := range rows {
		p := rows[i]
		r.agents[p.AgentID] = &p
	}
}

// SweepInactive 将超过 timeout 未心跳的在线客服标记为离线，返回被下线的客服
func (r *PresenceRegistry) SweepInactive(ctx context.Context, timeout time.Duration) []string {
	cutoff := r.clock.Now().Add(-timeout)

	r.mu.RLock()
	var stale []string
	for id, p := range r.agents {
		if p.IsOnline && p.LastSeenAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(stale)

	var offline []string
	for _, id := range stale {
		// 扫描与下线之间可能收到心跳
		if p, ok := r.Get(id); ok && p.IsOnline && p.LastSeenAt.Before(cutoff) {
			if r.SetOffline(ctx, id) {
				offline = append(offline, id)
			}
		}
	}
	if len(offline) > 0 {
		r.logger.Infof("Marked %d inactive agents offline", len(offline))
	}
	return offline
}

// StartInactivitySweeper 周期性下线不活跃客服，ctx 结束时退出
func (r *PresenceRegistry) StartInactivitySweeper(ctx context.Context, settings SettingsProvider, interval time.Duration) {
	ticker := r.clock.Ticker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s, err := settings.GetReassignmentSettings(ctx)
				if err != nil {
					r.logger.Warnf("Skip agent inactivity sweep: %v", err)
					continue
				}
				r.SweepInactive(ctx, s.AgentInactivityTimeout)
			}
		}
	}()
}

func (r *PresenceRegistry) persist(ctx context.Context, p *models.AgentPresence) {
	if r.store == nil {
		return
	}
	if err := r.store.SavePresence(ctx, p); err != nil {
		r.logger.Errorf("Failed to save presence for agent %s: %v", p.AgentID, err)
	}
}

func (r *PresenceRegistry) publish(ctx context.Context, evt PresenceEvent) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, evt); err != nil {
		r.logger.Errorf("Failed to publish presence event for agent %s: %v", evt.AgentID, err)
	}
}
