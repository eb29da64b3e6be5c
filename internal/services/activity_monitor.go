package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatassign/internal/models"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// ActivityState 会话的用户在场状态
type ActivityState int

const (
	ActivityPresent ActivityState = iota
	ActivityGrace
	ActivityLeftPending // 已判定离开，正在交给编排器处理
	ActivityAway        // 本次离开已处理，等待用户重新活跃
)

func (s ActivityState) String() string {
	switch s {
	case ActivityPresent:
		return "present"
	case ActivityGrace:
		return "grace"
	case ActivityLeftPending:
		return "left_pending_reassignment"
	case ActivityAway:
		return "away"
	}
	return "unknown"
}

// UserLeftHandler 用户离开事件的处理者（编排器）
type UserLeftHandler interface {
	HandleUserLeft(ctx context.Context, sessionID string) (*AssignmentOutcome, error)
}

// ActivityStore 持久化用户活跃时间，重启后据此恢复状态
type ActivityStore interface {
	TouchUserActivity(ctx context.Context, sessionID string, at time.Time) error
}

type sessionActivity struct {
	userID       string
	state        ActivityState
	lastActivity time.Time
	grace        time.Duration
	// epoch 每次状态变化递增，过期的定时器回调据此成为空操作
	epoch uint64
	timer *clock.Timer
}

func (e *sessionActivity) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// ActivityMonitor 将用户心跳/关闭页面信号转换为 UserLeft 事件。
// 每个会话一个可取消的延时回调，不轮询。
type ActivityMonitor struct {
	mu       sync.Mutex
	sessions map[string]*sessionActivity

	clock    clock.Clock
	settings SettingsProvider
	handler  UserLeftHandler
	store    ActivityStore
	logger   *logrus.Logger
}

func NewActivityMonitor(settings SettingsProvider, handler UserLeftHandler, clk clock.Clock, logger *logrus.Logger) *ActivityMonitor {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ActivityMonitor{
		sessions: make(map[string]*sessionActivity),
		clock:    clk,
		settings: settings,
		handler:  handler,
		logger:   logger,
	}
}

// SetStore 设置活跃时间持久化
func (m *ActivityMonitor) SetStore(store ActivityStore) {
	m.store = store
}

// RecordActivity 用户有活动：回到 Present 并重置不活跃定时器。
// 设置不可用时只记录时间，不安排定时器。
func (m *ActivityMonitor) RecordActivity(ctx context.Context, sessionID, userID string, now time.Time) {
	settings, err := m.settings.GetReassignmentSettings(ctx)

	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		e = &sessionActivity{userID: userID}
		m.sessions[sessionID] = e
	}
	if userID != "" {
		e.userID = userID
	}
	if now.After(e.lastActivity) {
		e.lastActivity = now
	}
	e.epoch++
	e.stopTimer()
	if e.state != ActivityPresent {
		m.logger.Debugf("User returned to session %s (was %s)", sessionID, e.state)
	}
	e.state = ActivityPresent
	if err == nil {
		e.grace = settings.GracePeriod
		remaining := e.lastActivity.Add(settings.InactivityTimeout).Sub(m.clock.Now())
		if remaining < 0 {
			remaining = 0
		}
		epoch := e.epoch
		e.timer = m.clock.AfterFunc(remaining, func() { m.onInactive(sessionID, epoch) })
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warnf("No inactivity timer for session %s: %v", sessionID, err)
	}
	if m.store != nil {
		if err := m.store.TouchUserActivity(ctx, sessionID, now); err != nil {
			m.logger.Errorf("Failed to persist activity for session %s: %v", sessionID, err)
		}
	}
}

func (m *ActivityMonitor) onInactive(sessionID string, epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.epoch != epoch || e.state != ActivityPresent {
		return
	}
	e.epoch++
	e.state = ActivityGrace
	next := e.epoch
	e.timer = m.clock.AfterFunc(e.grace, func() { m.onGraceExpired(sessionID, next) })
	m.logger.Debugf("Session %s inactive, grace period %v started", sessionID, e.grace)
}

func (m *ActivityMonitor) onGraceExpired(sessionID string, epoch uint64) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok || e.epoch != epoch || e.state != ActivityGrace {
		m.mu.Unlock()
		return
	}
	e.epoch++
	e.state = ActivityLeftPending
	e.timer = nil
	next := e.epoch
	m.mu.Unlock()

	m.fireUserLeft(context.Background(), sessionID, next)
}

// fireUserLeft 在锁外调用编排器，处理完成后进入 Away（期间有新活动则保持 Present）
func (m *ActivityMonitor) fireUserLeft(ctx context.Context, sessionID string, epoch uint64) {
	m.logger.Infof("User left session %s", sessionID)
	if m.handler != nil {
		outcome, err := m.handler.HandleUserLeft(ctx, sessionID)
		switch {
		case errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrSessionNotFound):
			m.logger.Debugf("Session %s no longer open, tracking stopped", sessionID)
			m.Forget(sessionID)
			return
		case err != nil:
			m.logger.Warnf("User-left handling for session %s failed: %v", sessionID, err)
		case outcome != nil && outcome.Err() != nil:
			m.logger.Infof("User-left reassignment for session %s refused: %v", sessionID, outcome.Err())
		case outcome != nil:
			m.logger.Infof("User-left handling for session %s: %s", sessionID, outcome.Outcome)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok && e.epoch == epoch && e.state == ActivityLeftPending {
		e.state = ActivityAway
	}
}

// RecordImmediateLeave 客户端报告关闭页面。仅在 chat_immediate_leave_on_close 打开时生效，
// 跳过不活跃超时直接触发 UserLeft；同一离开周期内不重复触发。
func (m *ActivityMonitor) RecordImmediateLeave(ctx context.Context, sessionID string) (bool, error) {
	settings, err := m.settings.GetReassignmentSettings(ctx)
	if err != nil {
		return false, fmt.Errorf("immediate leave for session %s: %w", sessionID, err)
	}
	if !settings.ImmediateLeaveOnClose {
		return false, nil
	}

	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		e = &sessionActivity{lastActivity: m.clock.Now()}
		m.sessions[sessionID] = e
	}
	if e.state == ActivityLeftPending || e.state == ActivityAway {
		m.mu.Unlock()
		return false, nil
	}
	e.epoch++
	e.stopTimer()
	e.state = ActivityLeftPending
	epoch := e.epoch
	m.mu.Unlock()

	m.fireUserLeft(ctx, sessionID, epoch)
	return true, nil
}

// Forget 停止跟踪会话（会话关闭时调用）
func (m *ActivityMonitor) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		e.epoch++
		e.stopTimer()
		delete(m.sessions, sessionID)
	}
}

// State 返回会话当前状态
func (m *ActivityMonitor) State(sessionID string) (ActivityState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// Tracked 正在跟踪的会话数
func (m *ActivityMonitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Restore 重启后根据持久化的 last_user_activity_at 重新推导状态，而不是恢复内存定时器。
// 离开期限已过、离开尚未处理且其后没有重分配记录的会话才会触发 UserLeft。
func (m *ActivityMonitor) Restore(ctx context.Context, sessions []models.ChatSession) (int, error) {
	settings, err := m.settings.GetReassignmentSettings(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore activity monitor: %w", err)
	}

	type pending struct {
		id    string
		epoch uint64
	}
	var fire []pending
	now := m.clock.Now()

	m.mu.Lock()
	for i := range sessions {
		s := &sessions[i]
		if s.IsClosed() {
			continue
		}
		e, ok := m.sessions[s.ID]
		if !ok {
			e = &sessionActivity{}
			m.sessions[s.ID] = e
		}
		e.userID = s.UserID
		e.lastActivity = s.LastUserActivityAt
		e.grace = settings.GracePeriod
		e.epoch++
		e.stopTimer()
		epoch := e.epoch

		sessionID := s.ID
		inactiveAt := s.LastUserActivityAt.Add(settings.InactivityTimeout)
		leaveAt := inactiveAt.Add(settings.GracePeriod)
		switch {
		case s.UserLeftHandledAt != nil && !s.UserLeftHandledAt.Before(s.LastUserActivityAt):
			// 最近一次离开已处理，用户之后没有新活动
			e.state = ActivityAway
		case now.Before(inactiveAt):
			e.state = ActivityPresent
			e.timer = m.clock.AfterFunc(inactiveAt.Sub(now), func() { m.onInactive(sessionID, epoch) })
		case now.Before(leaveAt):
			e.state = ActivityGrace
			e.timer = m.clock.AfterFunc(leaveAt.Sub(now), func() { m.onGraceExpired(sessionID, epoch) })
		case s.LastReassignedAt != nil && !s.LastReassignedAt.Before(leaveAt):
			// 这次离开已经处理过
			e.state = ActivityAway
		default:
			e.state = ActivityLeftPending
			fire = append(fire, pending{id: sessionID, epoch: epoch})
		}
	}
	m.mu.Unlock()

	for _, p := range fire {
		m.fireUserLeft(ctx, p.id, p.epoch)
	}
	m.logger.Infof("Activity monitor restored %d sessions, %d overdue leaves handled", len(sessions), len(fire))
	return len(fire), nil
}
