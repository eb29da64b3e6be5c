package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatassign/internal/metrics"
	"chatassign/internal/models"
	"chatassign/pkg/utils"

	"github.com/sirupsen/logrus"
)

// NotificationSink 通知投递（客服端推送、管理员告警）
type NotificationSink interface {
	NotifyAgentAssigned(ctx context.Context, agentID, sessionID string) error
	NotifyAdminFailure(ctx context.Context, sessionID string) error
}

// AuditSink 只追加的审计记录
type AuditSink interface {
	Append(ctx context.Context, evt models.ReassignmentEvent) error
}

// MultiNotificationSink 依次投递到全部通知渠道，错误合并返回
type MultiNotificationSink []NotificationSink

func (m MultiNotificationSink) NotifyAgentAssigned(ctx context.Context, agentID, sessionID string) error {
	var errs []error
	for _, s := range m {
		if err := s.NotifyAgentAssigned(ctx, agentID, sessionID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiNotificationSink) NotifyAdminFailure(ctx context.Context, sessionID string) error {
	var errs []error
	for _, s := range m {
		if err := s.NotifyAdminFailure(ctx, sessionID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MultiAuditSink 写入全部审计目标
type MultiAuditSink []AuditSink

func (m MultiAuditSink) Append(ctx context.Context, evt models.ReassignmentEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type dispatchJob struct {
	ctx      context.Context
	outcome  AssignmentOutcome
	settings *ReassignmentSettings
}

// NotificationDispatcher 把编排结果转成通知、告警与审计记录。
// 投递在后台 worker 中进行，失败只记录日志，不回滚会话状态。
type NotificationDispatcher struct {
	notify   NotificationSink
	audit    AuditSink
	settings SettingsProvider
	logger   *logrus.Logger
	timeout  time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan dispatchJob
	wg     sync.WaitGroup
}

// NewNotificationDispatcher 创建分发器并启动 worker；notify/audit 可为 nil
func NewNotificationDispatcher(notify NotificationSink, audit AuditSink, settings SettingsProvider, buffer int, logger *logrus.Logger) *NotificationDispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if buffer <= 0 {
		buffer = 256
	}
	d := &NotificationDispatcher{
		notify:   notify,
		audit:    audit,
		settings: settings,
		logger:   logger,
		timeout:  10 * time.Second,
		queue:    make(chan dispatchJob, buffer),
	}
	d.wg.Add(1)
	go d.worker()
	return d
}

func (d *NotificationDispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

// Dispatch 入队；队列满时另起 goroutine 投递，不阻塞调用方
func (d *NotificationDispatcher) Dispatch(ctx context.Context, outcome AssignmentOutcome, settings *ReassignmentSettings) {
	job := dispatchJob{ctx: context.WithoutCancel(ctx), outcome: outcome, settings: settings}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warnf("Dispatcher closed, dropping %s outcome for session %s", outcome.Outcome, outcome.SessionID)
		return
	}
	select {
	case d.queue <- job:
	default:
		d.logger.Warnf("Dispatch queue full, delivering %s outcome for session %s inline", outcome.Outcome, outcome.SessionID)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(job)
		}()
	}
}

// Close 停止接收并等待已入队的结果投递完成
func (d *NotificationDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Deliver 同步投递（测试与模拟使用）
func (d *NotificationDispatcher) Deliver(ctx context.Context, outcome AssignmentOutcome, settings *ReassignmentSettings) {
	d.deliver(dispatchJob{ctx: ctx, outcome: outcome, settings: settings})
}

func (d *NotificationDispatcher) deliver(job dispatchJob) {
	o := job.outcome
	metrics.IncReassignmentOutcome(o.Trigger, o.Outcome)

	ctx, cancel := context.WithTimeout(job.ctx, d.timeout)
	defer cancel()

	settings := job.settings
	if settings == nil {
		if d.settings == nil {
			return
		}
		s, err := d.settings.GetReassignmentSettings(ctx)
		if err != nil {
			d.logger.Warnf("Skip notifications for session %s: %v", o.SessionID, err)
			return
		}
		settings = &s
	}

	if settings.EnableReassignmentLogs && d.audit != nil {
		evt := models.ReassignmentEvent{
			ID:              utils.NewEventID(),
			SessionID:       o.SessionID,
			Trigger:         o.Trigger,
			PreviousAgentID: models.StringPtr(o.PreviousAgentID),
			NewAgentID:      models.StringPtr(o.NewAgentID),
			Outcome:         o.Outcome,
			Detail:          o.Reason,
			OccurredAt:      o.At,
		}
		if err := d.audit.Append(ctx, evt); err != nil {
			metrics.IncSinkFailure("audit")
			d.logger.Errorf("Failed to append reassignment event for session %s: %v", o.SessionID, err)
		}
	}

	if d.notify == nil {
		return
	}
	switch {
	case o.Outcome == models.OutcomeSuccess && o.NewAgentID != "" &&
		settings.NotifyNewAgent && o.Trigger != models.TriggerManualClaim:
		if err := d.notify.NotifyAgentAssigned(ctx, o.NewAgentID, o.SessionID); err != nil {
			metrics.IncSinkFailure("notify_agent")
			d.logger.Errorf("Failed to notify agent %s about session %s: %v", o.NewAgentID, o.SessionID, err)
		}
	case o.Outcome == models.OutcomeNoAgentAvailable && settings.NotifyAdminOnFailure:
		if err := d.notify.NotifyAdminFailure(ctx, o.SessionID); err != nil {
			metrics.IncSinkFailure("notify_admin")
			d.logger.Errorf("Failed to alert admins about session %s: %v", o.SessionID, err)
		}
	}
}

// RecordingSink 在内存中记录通知与审计（模拟命令与测试使用）
type RecordingSink struct {
	mu       sync.Mutex
	Assigned []string // "agent:session"
	Failures []string
	Events   []models.ReassignmentEvent
	Err      error
}

func (r *RecordingSink) NotifyAgentAssigned(ctx context.Context, agentID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Assigned = append(r.Assigned, agentID+":"+sessionID)
	return r.Err
}

func (r *RecordingSink) NotifyAdminFailure(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failures = append(r.Failures, sessionID)
	return r.Err
}

func (r *RecordingSink) Append(ctx context.Context, evt models.ReassignmentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, evt)
	return r.Err
}

// Snapshot 返回记录的副本
func (r *RecordingSink) Snapshot() (assigned, failures []string, events []models.ReassignmentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	assigned = append([]string(nil), r.Assigned...)
	failures = append([]string(nil), r.Failures...)
	events = append([]models.ReassignmentEvent(nil), r.Events...)
	return
}
