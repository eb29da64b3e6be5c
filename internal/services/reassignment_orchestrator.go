package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatassign/internal/models"
	"chatassign/pkg/utils"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OutcomeSkipped 自动重分配关闭时的空操作结果，不写审计
const OutcomeSkipped = "skipped"

// AssignmentOutcome 一次编排操作的结果
type AssignmentOutcome struct {
	SessionID         string    `json:"session_id"`
	Trigger           string    `json:"trigger"`
	PreviousAgentID   string    `json:"previous_agent_id,omitempty"`
	NewAgentID        string    `json:"new_agent_id,omitempty"`
	Outcome           string    `json:"outcome"`
	Reason            string    `json:"reason,omitempty"`
	ReassignmentCount int       `json:"reassignment_count"`
	Locked            bool      `json:"locked"`
	At                time.Time `json:"at"`
}

// Err 拒绝类结果对应的错误分类（blocked_by_limit、blocked_by_lock），其他结果返回 nil
func (o AssignmentOutcome) Err() error {
	switch o.Outcome {
	case models.OutcomeBlockedByLimit:
		return fmt.Errorf("%w: %s", ErrBlockedByLimit, o.Reason)
	case models.OutcomeBlockedByLock:
		return ErrBlockedByLock
	}
	return nil
}

// OutcomeDispatcher 结果分发（通知、告警、审计），不影响已提交的状态
type OutcomeDispatcher interface {
	Dispatch(ctx context.Context, outcome AssignmentOutcome, settings *ReassignmentSettings)
}

type activityTracker interface {
	RecordActivity(ctx context.Context, sessionID, userID string, now time.Time)
	Forget(sessionID string)
}

// ReassignmentOrchestrator 会话分配状态机。
// 所有修改会话的操作都在会话锁内执行，并通过乐观版本提交。
type ReassignmentOrchestrator struct {
	store      SessionStore
	presence   *PresenceRegistry
	policy     *AssignmentPolicy
	settings   SettingsProvider
	dispatcher OutcomeDispatcher
	monitor    activityTracker

	locks  *sessionLocks
	clock  clock.Clock
	tracer trace.Tracer
	logger *logrus.Logger
}

func NewReassignmentOrchestrator(
	store SessionStore,
	presence *PresenceRegistry,
	policy *AssignmentPolicy,
	settings SettingsProvider,
	dispatcher OutcomeDispatcher,
	logger *logrus.Logger,
) *ReassignmentOrchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	if policy == nil {
		policy = NewAssignmentPolicy()
	}
	return &ReassignmentOrchestrator{
		store:      store,
		presence:   presence,
		policy:     policy,
		settings:   settings,
		dispatcher: dispatcher,
		locks:      newSessionLocks(),
		clock:      clock.New(),
		tracer:     otel.Tracer("chatassign/services"),
		logger:     logger,
	}
}

// SetClock 替换时钟（测试使用）
func (o *ReassignmentOrchestrator) SetClock(clk clock.Clock) {
	o.clock = clk
}

// SetActivityMonitor 设置活动监控，用于新会话跟踪与关闭会话时取消定时器
func (o *ReassignmentOrchestrator) SetActivityMonitor(m activityTracker) {
	o.monitor = m
}

type reassignOptions struct {
	trigger       string
	checkEnabled  bool
	checkCooldown bool
	quietNoAgent  bool // 无可用客服时不分发（排队场景）
}

func (o *ReassignmentOrchestrator) startSpan(ctx context.Context, name, sessionID string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "reassignment."+name, trace.WithAttributes(attribute.String("session.id", sessionID)))
}

func endSpan(span trace.Span, outcome *AssignmentOutcome, err error) {
	if outcome != nil {
		span.SetAttributes(
			attribute.String("reassignment.trigger", outcome.Trigger),
			attribute.String("reassignment.outcome", outcome.Outcome),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (o *ReassignmentOrchestrator) loadSettings(ctx context.Context) (ReassignmentSettings, error) {
	s, err := o.settings.GetReassignmentSettings(ctx)
	if err != nil {
		if errors.Is(err, ErrConfigUnavailable) {
			return ReassignmentSettings{}, err
		}
		return ReassignmentSettings{}, fmt.Errorf("%w: %v", ErrConfigUnavailable, err)
	}
	return s, nil
}

// optionalSettings 人工操作不依赖设置，读取失败时返回 nil 由分发器自行处理
func (o *ReassignmentOrchestrator) optionalSettings(ctx context.Context) *ReassignmentSettings {
	s, err := o.settings.GetReassignmentSettings(ctx)
	if err != nil {
		o.logger.Warnf("Reassignment settings unavailable for dispatch: %v", err)
		return nil
	}
	return &s
}

// HandleUserLeft 用户离开后重新分配会话。
// 依次检查：已关闭、自动重分配开关、锁定、冷却、次数上限。
func (o *ReassignmentOrchestrator) HandleUserLeft(ctx context.Context, sessionID string) (outcome *AssignmentOutcome, err error) {
	ctx, span := o.startSpan(ctx, "HandleUserLeft", sessionID)
	defer func() { endSpan(span, outcome, err) }()

	unlock := o.locks.Lock(sessionID)
	defer unlock()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsClosed() {
		return nil, ErrSessionClosed
	}
	settings, err := o.loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	outcome, err = o.reassignLocked(ctx, sess, settings, reassignOptions{
		trigger:       models.TriggerUserLeft,
		checkEnabled:  true,
		checkCooldown: true,
	})
	if err != nil {
		return nil, err
	}
	// 无论结果如何，这次离开都已处理
	if err := o.store.MarkUserLeftHandled(ctx, sessionID, outcome.At); err != nil {
		o.logger.Warnf("Session %s: %v", sessionID, err)
	}
	return outcome, nil
}

// HandleAgentOffline 客服离线后重新分配其全部未关闭会话。冷却检查不适用。
func (o *ReassignmentOrchestrator) HandleAgentOffline(ctx context.Context, agentID string) ([]AssignmentOutcome, error) {
	ctx, span := o.tracer.Start(ctx, "reassignment.HandleAgentOffline", trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	settings, err := o.loadSettings(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	sessions, err := o.store.ListSessionsByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var outcomes []AssignmentOutcome
	for _, s := range sessions {
		outcome, err := o.withSession(ctx, s.ID, func(sess *models.ChatSession) (*AssignmentOutcome, error) {
			// 加锁后会话可能已被改派
			if models.StringValue(sess.AssignedAgentID) != agentID {
				return nil, nil
			}
			return o.reassignLocked(ctx, sess, settings, reassignOptions{
				trigger:      models.TriggerAgentOffline,
				checkEnabled: true,
			})
		})
		if err != nil {
			o.logger.Warnf("Agent %s offline: session %s not reassigned: %v", agentID, s.ID, err)
			continue
		}
		if outcome != nil {
			outcomes = append(outcomes, *outcome)
		}
	}
	return outcomes, nil
}

// OnAgentBecameAvailable 客服上线后按创建时间先进先出为等待中的会话分配客服，
// 直到该客服容量用尽或没有等待会话。
func (o *ReassignmentOrchestrator) OnAgentBecameAvailable(ctx context.Context, agentID string) ([]AssignmentOutcome, error) {
	ctx, span := o.tracer.Start(ctx, "reassignment.OnAgentBecameAvailable", trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	settings, err := o.loadSettings(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !settings.AutoAssignOnAvailability {
		return nil, nil
	}
	waiting, err := o.store.ListWaitingSessions(ctx, 0)
	if err != nil {
		return nil, err
	}

	var outcomes []AssignmentOutcome
	for _, w := range waiting {
		if !o.agentHasCapacity(agentID, settings) {
			break
		}
		outcome, err := o.withSession(ctx, w.ID, func(sess *models.ChatSession) (*AssignmentOutcome, error) {
			if sess.IsClosed() || sess.AssignedAgentID != nil {
				return nil, nil
			}
			if sess.Locked {
				o.logger.Debugf("Session %s is locked, skipping availability assignment", sess.ID)
				return nil, nil
			}
			// 已到上限的会话每次上线都会被再次拒绝，这里直接跳过，不重复写审计
			if sess.ReassignmentCount-sess.UnlockedAtCount >= settings.MaxReassignments {
				o.logger.Debugf("Session %s reached reassignment limit, skipping availability assignment", sess.ID)
				return nil, nil
			}
			return o.reassignLocked(ctx, sess, settings, reassignOptions{
				trigger:      models.TriggerAgentAvailable,
				quietNoAgent: true,
			})
		})
		if err != nil {
			o.logger.Warnf("Availability assignment for session %s failed: %v", w.ID, err)
			continue
		}
		if outcome == nil {
			continue
		}
		outcomes = append(outcomes, *outcome)
		if outcome.Outcome == models.OutcomeNoAgentAvailable {
			break
		}
	}
	span.SetAttributes(attribute.Int("reassignment.assigned", countSuccess(outcomes)))
	return outcomes, nil
}

func countSuccess(outcomes []AssignmentOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Outcome == models.OutcomeSuccess {
			n++
		}
	}
	return n
}

func (o *ReassignmentOrchestrator) agentHasCapacity(agentID string, settings ReassignmentSettings) bool {
	p, ok := o.presence.Get(agentID)
	if !ok || !p.IsOnline {
		return false
	}
	return settings.AllowBusyAgentFallback || p.ActiveChatCount < settings.MaxChatsPerAgent
}

// withSession 在会话锁内重新读取会话后执行 fn
func (o *ReassignmentOrchestrator) withSession(ctx context.Context, sessionID string, fn func(*models.ChatSession) (*AssignmentOutcome, error)) (*AssignmentOutcome, error) {
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsClosed() {
		return nil, nil
	}
	return fn(sess)
}

// reassignLocked 自动（重）分配的公共路径，调用方持有会话锁
func (o *ReassignmentOrchestrator) reassignLocked(ctx context.Context, sess *models.ChatSession, settings ReassignmentSettings, opts reassignOptions) (*AssignmentOutcome, error) {
	now := o.clock.Now()
	current := models.StringValue(sess.AssignedAgentID)
	outcome := &AssignmentOutcome{
		SessionID:         sess.ID,
		Trigger:           opts.trigger,
		PreviousAgentID:   current,
		ReassignmentCount: sess.ReassignmentCount,
		Locked:            sess.Locked,
		At:                now,
	}

	if opts.checkEnabled && !settings.AutoReassignmentEnabled {
		outcome.Outcome = OutcomeSkipped
		outcome.Reason = "automatic reassignment disabled"
		return outcome, nil
	}

	if sess.Locked {
		outcome.Outcome = models.OutcomeBlockedByLock
		outcome.Reason = "session locked after reaching reassignment limit"
		o.dispatch(ctx, *outcome, &settings)
		return outcome, nil
	}

	if opts.checkCooldown && settings.PreventRapidReassignment && sess.LastReassignedAt != nil {
		if since := now.Sub(*sess.LastReassignedAt); since < settings.CooldownWindow {
			outcome.Outcome = models.OutcomeBlockedByLimit
			outcome.Reason = fmt.Sprintf("cooldown: last reassignment %v ago", since.Round(time.Millisecond))
			o.dispatch(ctx, *outcome, &settings)
			return outcome, nil
		}
	}

	if sess.ReassignmentCount-sess.UnlockedAtCount >= settings.MaxReassignments {
		outcome.Outcome = models.OutcomeBlockedByLimit
		outcome.Reason = fmt.Sprintf("reassignment limit %d reached", settings.MaxReassignments)
		if settings.LockAfterMaxReassignments {
			next := sess.Clone()
			next.Locked = true
			if err := o.store.CommitSessionTransition(ctx, next, sess.Version); err != nil {
				return nil, fmt.Errorf("lock session %s: %w", sess.ID, err)
			}
			outcome.Locked = true
			o.logger.WithFields(logrus.Fields{"session_id": sess.ID, "count": sess.ReassignmentCount}).
				Warn("Session locked after reaching reassignment limit")
		}
		o.dispatch(ctx, *outcome, &settings)
		return outcome, nil
	}

	working := sess.Clone()
	if current != "" {
		working.PreviousAgentID = models.StringPtr(current)
	}
	decision := o.policy.Decide(working, o.presence.Snapshot(), settings)
	outcome.Reason = decision.Reason

	next := sess.Clone()
	var deltas []PresenceDelta
	if !decision.Found() {
		outcome.Outcome = models.OutcomeNoAgentAvailable
		if current == "" {
			// 本就在排队，状态不变
			if !opts.quietNoAgent {
				o.dispatch(ctx, *outcome, &settings)
			}
			return outcome, nil
		}
		next.AssignedAgentID = nil
		next.PreviousAgentID = models.StringPtr(current)
		next.Status = models.SessionStatusWaiting
		deltas = append(deltas, PresenceDelta{AgentID: current, Delta: -1})
	} else {
		outcome.Outcome = models.OutcomeSuccess
		outcome.NewAgentID = decision.AgentID
		if current != "" {
			next.PreviousAgentID = models.StringPtr(current)
		}
		next.AssignedAgentID = models.StringPtr(decision.AgentID)
		next.Status = models.SessionStatusActive
		// 首次分配不计入重分配次数
		if current != "" || sess.PreviousAgentID != nil {
			next.ReassignmentCount++
			t := now
			next.LastReassignedAt = &t
		}
		if current != decision.AgentID {
			if current != "" {
				deltas = append(deltas, PresenceDelta{AgentID: current, Delta: -1})
			}
			deltas = append(deltas, PresenceDelta{AgentID: decision.AgentID, Delta: 1})
		}
	}

	if err := o.store.CommitSessionTransition(ctx, next, sess.Version, deltas...); err != nil {
		return nil, fmt.Errorf("commit %s for session %s: %w", opts.trigger, sess.ID, err)
	}
	o.applyDeltas(deltas)
	o.policy.Acknowledge(decision)

	outcome.ReassignmentCount = next.ReassignmentCount
	o.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"trigger":    opts.trigger,
		"from":       current,
		"to":         decision.AgentID,
		"count":      next.ReassignmentCount,
	}).Infof("Session assignment %s", outcome.Outcome)

	if outcome.Outcome == models.OutcomeNoAgentAvailable && opts.quietNoAgent {
		return outcome, nil
	}
	o.dispatch(ctx, *outcome, &settings)
	return outcome, nil
}

func (o *ReassignmentOrchestrator) applyDeltas(deltas []PresenceDelta) {
	for _, d := range deltas {
		o.presence.IncrementActiveChats(d.AgentID, d.Delta)
	}
}

func (o *ReassignmentOrchestrator) dispatch(ctx context.Context, outcome AssignmentOutcome, settings *ReassignmentSettings) {
	if o.dispatcher == nil {
		return
	}
	o.dispatcher.Dispatch(ctx, outcome, settings)
}

// ClaimSession 客服手动认领（“分配给我”）。只有未分配或已分配给自己时允许；
// 不消耗重分配次数。
func (o *ReassignmentOrchestrator) ClaimSession(ctx context.Context, sessionID, agentID string) (outcome *AssignmentOutcome, err error) {
	ctx, span := o.startSpan(ctx, "ClaimSession", sessionID)
	defer func() { endSpan(span, outcome, err) }()

	unlock := o.locks.Lock(sessionID)
	defer unlock()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsClosed() {
		return nil, ErrSessionClosed
	}
	current := models.StringValue(sess.AssignedAgentID)
	result := &AssignmentOutcome{
		SessionID:         sess.ID,
		Trigger:           models.TriggerManualClaim,
		PreviousAgentID:   current,
		NewAgentID:        agentID,
		Outcome:           models.OutcomeSuccess,
		ReassignmentCount: sess.ReassignmentCount,
		Locked:            sess.Locked,
		At:                o.clock.Now(),
	}
	if current == agentID {
		result.Reason = "already assigned to requesting agent"
		return result, nil
	}
	if current != "" {
		return nil, ErrAlreadyAssigned
	}
	if sess.Locked {
		return nil, ErrBlockedByLock
	}
	if _, ok := o.presence.Get(agentID); !ok {
		return nil, ErrAgentNotFound
	}

	next := sess.Clone()
	next.AssignedAgentID = models.StringPtr(agentID)
	next.Status = models.SessionStatusActive
	deltas := []PresenceDelta{{AgentID: agentID, Delta: 1}}
	if err := o.store.CommitSessionTransition(ctx, next, sess.Version, deltas...); err != nil {
		return nil, fmt.Errorf("claim session %s: %w", sessionID, err)
	}
	o.applyDeltas(deltas)

	o.logger.Infof("Agent %s claimed session %s", agentID, sessionID)
	o.dispatch(ctx, *result, o.optionalSettings(ctx))
	return result, nil
}

// Unassign 当前客服（或管理员）释放会话。会话回到等待队列，不主动触发重分配。
func (o *ReassignmentOrchestrator) Unassign(ctx context.Context, sessionID, requesterID string, adminOverride bool) (outcome *AssignmentOutcome, err error) {
	ctx, span := o.startSpan(ctx, "Unassign", sessionID)
	defer func() { endSpan(span, outcome, err) }()

	unlock := o.locks.Lock(sessionID)
	defer unlock()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsClosed() {
		return nil, ErrSessionClosed
	}
	current := models.StringValue(sess.AssignedAgentID)
	if current == "" || (!adminOverride && current != requesterID) {
		return nil, ErrNotAssignee
	}
	if sess.Locked {
		return nil, ErrBlockedByLock
	}

	next := sess.Clone()
	next.AssignedAgentID = nil
	next.PreviousAgentID = models.StringPtr(current)
	next.Status = models.SessionStatusWaiting
	deltas := []PresenceDelta{{AgentID: current, Delta: -1}}
	if err := o.store.CommitSessionTransition(ctx, next, sess.Version, deltas...); err != nil {
		return nil, fmt.Errorf("unassign session %s: %w", sessionID, err)
	}
	o.applyDeltas(deltas)

	result := &AssignmentOutcome{
		SessionID:         sess.ID,
		Trigger:           models.TriggerManualUnassign,
		PreviousAgentID:   current,
		Outcome:           models.OutcomeSuccess,
		ReassignmentCount: next.ReassignmentCount,
		At:                o.clock.Now(),
	}
	if adminOverride && current != requesterID {
		result.Reason = "admin override by " + requesterID
	}
	o.logger.Infof("Session %s unassigned from agent %s", sessionID, current)
	o.dispatch(ctx, *result, o.optionalSettings(ctx))
	return result, nil
}

// ForceAssign 管理员强制指派。跳过冷却与次数上限，但不越过锁定与关闭状态。
func (o *ReassignmentOrchestrator) ForceAssign(ctx context.Context, sessionID, agentID string) (outcome *AssignmentOutcome, err error) {
	ctx, span := o.startSpan(ctx, "ForceAssign", sessionID)
	defer func() { endSpan(span, outcome, err) }()

	unlock := o.locks.Lock(sessionID)
	defer unlock()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsClosed() {
		return nil, ErrSessionClosed
	}
	if sess.Locked {
		return nil, ErrBlockedByLock
	}
	if _, ok := o.presence.Get(agentID); !ok {
		return nil, ErrAgentNotFound
	}

	now := o.clock.Now()
	current := models.StringValue(sess.AssignedAgentID)
	result := &AssignmentOutcome{
		SessionID:         sess.ID,
		Trigger:           models.TriggerAdminForced,
		PreviousAgentID:   current,
		NewAgentID:        agentID,
		Outcome:           models.OutcomeSuccess,
		ReassignmentCount: sess.ReassignmentCount,
		At:                now,
	}
	if current == agentID {
		result.Reason = "already assigned to target agent"
		return result, nil
	}

	next := sess.Clone()
	next.AssignedAgentID = models.StringPtr(agentID)
	next.Status = models.SessionStatusActive
	var deltas []PresenceDelta
	if current != "" {
		next.PreviousAgentID = models.StringPtr(current)
		deltas = append(deltas, PresenceDelta{AgentID: current, Delta: -1})
	}
	if current != "" || sess.PreviousAgentID != nil {
		next.ReassignmentCount++
		next.LastReassignedAt = &now
	}
	deltas = append(deltas, PresenceDelta{AgentID: agentID, Delta: 1})
	if err := o.store.CommitSessionTransition(ctx, next, sess.Version, deltas...); err != nil {
		return nil, fmt.Errorf("force assign session %s: %w", sessionID, err)
	}
	o.applyDeltas(deltas)

	result.ReassignmentCount = next.ReassignmentCount
	o.logger.Infof("Session %s force-assigned to agent %s", sessionID, agentID)
	o.dispatch(ctx, *result, o.optionalSettings(ctx))
	return result, nil
}

// UnlockSession 管理员解锁：清除 locked，重分配额度从当前计数重新开始（计数本身不回退）
func (o *ReassignmentOrchestrator) UnlockSession(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	ctx, span := o.startSpan(ctx, "UnlockSession", sessionID)
	defer span.End()

	unlock := o.locks.Lock(sessionID)
	defer unlock()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsClosed() {
		return nil, ErrSessionClosed
	}
	if !sess.Locked && sess.UnlockedAtCount == sess.ReassignmentCount {
		return sess, nil
	}
	next := sess.Clone()
	next.Locked = false
	next.UnlockedAtCount = sess.ReassignmentCount
	if err := o.store.CommitSessionTransition(ctx, next, sess.Version); err != nil {
		return nil, fmt.Errorf("unlock session %s: %w", sessionID, err)
	}
	o.logger.Infof("Session %s unlocked at reassignment count %d", sessionID, next.ReassignmentCount)
	return next, nil
}

// EndChat 管理员结束会话，不可逆
func (o *ReassignmentOrchestrator) EndChat(ctx context.Context, sessionID, reason, closingMessage string) (*models.ChatSession, error) {
	ctx, span := o.startSpan(ctx, "EndChat", sessionID)
	defer span.End()

	if !models.ValidCloseReason(reason) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCloseReason, reason)
	}

	unlock := o.locks.Lock(sessionID)
	defer unlock()

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsClosed() {
		return nil, ErrSessionClosed
	}

	now := o.clock.Now()
	current := models.StringValue(sess.AssignedAgentID)
	next := sess.Clone()
	next.Status = models.SessionStatusClosed
	next.CloseReason = reason
	next.ClosingMessage = closingMessage
	next.ClosedAt = &now
	next.AssignedAgentID = nil
	var deltas []PresenceDelta
	if current != "" {
		next.PreviousAgentID = models.StringPtr(current)
		deltas = append(deltas, PresenceDelta{AgentID: current, Delta: -1})
	}
	if err := o.store.CommitSessionTransition(ctx, next, sess.Version, deltas...); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("end chat %s: %w", sessionID, err)
	}
	o.applyDeltas(deltas)
	if o.monitor != nil {
		o.monitor.Forget(sessionID)
	}

	o.logger.Infof("Session %s closed (%s)", sessionID, reason)
	return next, nil
}

// OpenSession 用户第一条消息时创建会话，开始活动跟踪；
// 开启 chat_auto_assign_on_availability 时立即尝试分配。
func (o *ReassignmentOrchestrator) OpenSession(ctx context.Context, userID string) (*models.ChatSession, *AssignmentOutcome, error) {
	now := o.clock.Now()
	sess := &models.ChatSession{
		ID:                 utils.NewSessionID(),
		UserID:             userID,
		Status:             models.SessionStatusWaiting,
		LastUserActivityAt: now,
		Version:            1,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, nil, err
	}
	if o.monitor != nil {
		o.monitor.RecordActivity(ctx, sess.ID, userID, now)
	}

	settings, err := o.loadSettings(ctx)
	if err != nil {
		o.logger.Warnf("Session %s left waiting: %v", sess.ID, err)
		return sess, nil, nil
	}
	if !settings.AutoAssignOnAvailability {
		return sess, nil, nil
	}

	var outcome *AssignmentOutcome
	var latest *models.ChatSession
	outcome, err = o.withSession(ctx, sess.ID, func(s *models.ChatSession) (*AssignmentOutcome, error) {
		latest = s
		if s.AssignedAgentID != nil {
			return nil, nil
		}
		return o.reassignLocked(ctx, s, settings, reassignOptions{
			trigger:      models.TriggerAgentAvailable,
			quietNoAgent: true,
		})
	})
	if err != nil {
		o.logger.Warnf("Initial assignment for session %s failed: %v", sess.ID, err)
		return sess, nil, nil
	}
	if refreshed, err := o.store.GetSession(ctx, sess.ID); err == nil {
		latest = refreshed
	}
	if latest == nil {
		latest = sess
	}
	return latest, outcome, nil
}

// GetSession 读取会话
func (o *ReassignmentOrchestrator) GetSession(ctx context.Context, sessionID string) (*models.ChatSession, error) {
	return o.store.GetSession(ctx, sessionID)
}

// Run 订阅在线状态主题：上线触发等待会话分配，离线触发会话重分配。ctx 结束时返回。
func (o *ReassignmentOrchestrator) Run(ctx context.Context, bus PresenceBus) error {
	events, err := bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe presence events: %w", err)
	}
	o.logger.Info("Reassignment orchestrator listening for presence events")
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			o.handlePresenceEvent(ctx, evt)
		}
	}
}

func (o *ReassignmentOrchestrator) handlePresenceEvent(ctx context.Context, evt PresenceEvent) {
	if evt.Online {
		outcomes, err := o.OnAgentBecameAvailable(ctx, evt.AgentID)
		if err != nil {
			o.logger.Warnf("Agent %s available: %v", evt.AgentID, err)
			return
		}
		if n := countSuccess(outcomes); n > 0 {
			o.logger.Infof("Agent %s available: %d waiting sessions assigned", evt.AgentID, n)
		}
		return
	}
	outcomes, err := o.HandleAgentOffline(ctx, evt.AgentID)
	if err != nil {
		o.logger.Warnf("Agent %s offline: %v", evt.AgentID, err)
		return
	}
	if len(outcomes) > 0 {
		o.logger.Infof("Agent %s offline: %d sessions processed", evt.AgentID, len(outcomes))
	}
}
