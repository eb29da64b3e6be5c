package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"chatassign/internal/config"

	"github.com/spf13/cast"
)

// AssignmentStrategy 客服选择策略
type AssignmentStrategy string

const (
	StrategyLeastActive   AssignmentStrategy = "least_active"
	StrategyRoundRobin    AssignmentStrategy = "round_robin"
	StrategyPriorityBased AssignmentStrategy = "priority_based"
)

func (s AssignmentStrategy) valid() bool {
	switch s {
	case StrategyLeastActive, StrategyRoundRobin, StrategyPriorityBased:
		return true
	}
	return false
}

// 设置表中的键名（与后台设置页共享）
const (
	KeyAutoReassignmentEnabled   = "chat_auto_reassignment_enabled"
	KeyInactivityTimeout         = "chat_inactivity_timeout"
	KeyGracePeriod               = "chat_grace_period"
	KeyImmediateLeaveOnClose     = "chat_immediate_leave_on_close"
	KeyExcludePreviousAgent      = "chat_exclude_previous_agent"
	KeyAllowBusyAgentFallback    = "chat_allow_busy_agent_fallback"
	KeyAssignmentStrategy        = "chat_assignment_strategy"
	KeyMaxChatsPerAgent          = "max_chats_per_agent"
	KeyAgentInactivityTimeout    = "agent_inactivity_timeout"
	KeyPreventRapidReassignment  = "chat_prevent_rapid_reassignment"
	KeyCooldownWindow            = "chat_cooldown_window"
	KeyMaxReassignments          = "chat_max_reassignments"
	KeyLockAfterMaxReassignments = "chat_lock_after_max_reassignments"
	KeyAutoAssignOnAvailability  = "chat_auto_assign_on_availability"
	KeyNotifyNewAgent            = "chat_notify_new_agent"
	KeyNotifyAdminOnFailure      = "chat_notify_admin_on_failure"
	KeyEnableReassignmentLogs    = "chat_enable_reassignment_logs"
	KeyLogRetentionDays          = "chat_log_retention_days"
)

// ReassignmentSettings 一次决策使用的配置快照，构建后不再修改
type ReassignmentSettings struct {
	AutoReassignmentEnabled   bool
	InactivityTimeout         time.Duration
	GracePeriod               time.Duration
	ImmediateLeaveOnClose     bool
	ExcludePreviousAgent      bool
	AllowBusyAgentFallback    bool
	Strategy                  AssignmentStrategy
	MaxChatsPerAgent          int
	AgentInactivityTimeout    time.Duration
	PreventRapidReassignment  bool
	CooldownWindow            time.Duration
	MaxReassignments          int
	LockAfterMaxReassignments bool
	AutoAssignOnAvailability  bool
	NotifyNewAgent            bool
	NotifyAdminOnFailure      bool
	EnableReassignmentLogs    bool
	LogRetentionDays          int
}

// SettingsProvider 提供重分配设置快照
type SettingsProvider interface {
	GetReassignmentSettings(ctx context.Context) (ReassignmentSettings, error)
}

// StaticSettingsProvider 固定设置（测试与模拟使用）
type StaticSettingsProvider struct {
	Settings ReassignmentSettings
	Err      error
}

func (p StaticSettingsProvider) GetReassignmentSettings(ctx context.Context) (ReassignmentSettings, error) {
	if p.Err != nil {
		return ReassignmentSettings{}, p.Err
	}
	return p.Settings, nil
}

// DefaultSettings 由配置文件中的默认值构建设置
func DefaultSettings(rc config.ReassignmentConfig) ReassignmentSettings {
	return ReassignmentSettings{
		AutoReassignmentEnabled:   rc.AutoReassignmentEnabled,
		InactivityTimeout:         time.Duration(rc.InactivityTimeoutSec) * time.Second,
		GracePeriod:               time.Duration(rc.GracePeriodSec) * time.Second,
		ImmediateLeaveOnClose:     rc.ImmediateLeaveOnClose,
		ExcludePreviousAgent:      rc.ExcludePreviousAgent,
		AllowBusyAgentFallback:    rc.AllowBusyAgentFallback,
		Strategy:                  AssignmentStrategy(rc.Strategy),
		MaxChatsPerAgent:          rc.MaxChatsPerAgent,
		AgentInactivityTimeout:    time.Duration(rc.AgentInactivityTimeoutSec) * time.Second,
		PreventRapidReassignment:  rc.PreventRapidReassignment,
		CooldownWindow:            rc.CooldownWindow,
		MaxReassignments:          rc.MaxReassignments,
		LockAfterMaxReassignments: rc.LockAfterMaxReassignments,
		AutoAssignOnAvailability:  rc.AutoAssignOnAvailability,
		NotifyNewAgent:            rc.NotifyNewAgent,
		NotifyAdminOnFailure:      rc.NotifyAdminOnFailure,
		EnableReassignmentLogs:    rc.EnableReassignmentLogs,
		LogRetentionDays:          rc.LogRetentionDays,
	}
}

func checkRange(key string, v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %s=%d not in [%d, %d]", ErrInvalidSettings, key, v, min, max)
	}
	return nil
}

// Validate 校验数值范围
func (s ReassignmentSettings) Validate() error {
	checks := []struct {
		key         string
		v, min, max int
	}{
		{KeyInactivityTimeout, int(s.InactivityTimeout / time.Second), 30, 600},
		{KeyGracePeriod, int(s.GracePeriod / time.Second), 10, 300},
		{KeyMaxChatsPerAgent, s.MaxChatsPerAgent, 1, 50},
		{KeyAgentInactivityTimeout, int(s.AgentInactivityTimeout / time.Second), 60, 1800},
		{KeyLogRetentionDays, s.LogRetentionDays, 7, 365},
		{KeyMaxReassignments, s.MaxReassignments, 1, 20},
		{KeyCooldownWindow, int(s.CooldownWindow / time.Second), 1, 60},
	}
	for _, c := range checks {
		if err := checkRange(c.key, c.v, c.min, c.max); err != nil {
			return err
		}
	}
	if !s.Strategy.valid() {
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidSettings, s.Strategy)
	}
	return nil
}

// ApplyValues 将键值行叠加到设置上，未知键忽略
func (s ReassignmentSettings) ApplyValues(values map[string]string) (ReassignmentSettings, error) {
	out := s
	for key, raw := range values {
		var err error
		switch key {
		case KeyAutoReassignmentEnabled:
			out.AutoReassignmentEnabled, err = cast.ToBoolE(raw)
		case KeyInactivityTimeout:
			out.InactivityTimeout, err = secondsValue(raw)
		case KeyGracePeriod:
			out.GracePeriod, err = secondsValue(raw)
		case KeyImmediateLeaveOnClose:
			out.ImmediateLeaveOnClose, err = cast.ToBoolE(raw)
		case KeyExcludePreviousAgent:
			out.ExcludePreviousAgent, err = cast.ToBoolE(raw)
		case KeyAllowBusyAgentFallback:
			out.AllowBusyAgentFallback, err = cast.ToBoolE(raw)
		case KeyAssignmentStrategy:
			out.Strategy = AssignmentStrategy(raw)
		case KeyMaxChatsPerAgent:
			out.MaxChatsPerAgent, err = cast.ToIntE(raw)
		case KeyAgentInactivityTimeout:
			out.AgentInactivityTimeout, err = secondsValue(raw)
		case KeyPreventRapidReassignment:
			out.PreventRapidReassignment, err = cast.ToBoolE(raw)
		case KeyCooldownWindow:
			out.CooldownWindow, err = secondsValue(raw)
		case KeyMaxReassignments:
			out.MaxReassignments, err = cast.ToIntE(raw)
		case KeyLockAfterMaxReassignments:
			out.LockAfterMaxReassignments, err = cast.ToBoolE(raw)
		case KeyAutoAssignOnAvailability:
			out.AutoAssignOnAvailability, err = cast.ToBoolE(raw)
		case KeyNotifyNewAgent:
			out.NotifyNewAgent, err = cast.ToBoolE(raw)
		case KeyNotifyAdminOnFailure:
			out.NotifyAdminOnFailure, err = cast.ToBoolE(raw)
		case KeyEnableReassignmentLogs:
			out.EnableReassignmentLogs, err = cast.ToBoolE(raw)
		case KeyLogRetentionDays:
			out.LogRetentionDays, err = cast.ToIntE(raw)
		default:
			continue
		}
		if err != nil {
			return s, fmt.Errorf("%w: %s=%q: %v", ErrInvalidSettings, key, raw, err)
		}
	}
	return out, nil
}

// ToValues 以设置表的键值形式导出（时长以秒表示）
func (s ReassignmentSettings) ToValues() map[string]string {
	b := strconv.FormatBool
	secs := func(d time.Duration) string { return strconv.Itoa(int(d / time.Second)) }
	return map[string]string{
		KeyAutoReassignmentEnabled:   b(s.AutoReassignmentEnabled),
		KeyInactivityTimeout:         secs(s.InactivityTimeout),
		KeyGracePeriod:               secs(s.GracePeriod),
		KeyImmediateLeaveOnClose:     b(s.ImmediateLeaveOnClose),
		KeyExcludePreviousAgent:      b(s.ExcludePreviousAgent),
		KeyAllowBusyAgentFallback:    b(s.AllowBusyAgentFallback),
		KeyAssignmentStrategy:        string(s.Strategy),
		KeyMaxChatsPerAgent:          strconv.Itoa(s.MaxChatsPerAgent),
		KeyAgentInactivityTimeout:    secs(s.AgentInactivityTimeout),
		KeyPreventRapidReassignment:  b(s.PreventRapidReassignment),
		KeyCooldownWindow:            secs(s.CooldownWindow),
		KeyMaxReassignments:          strconv.Itoa(s.MaxReassignments),
		KeyLockAfterMaxReassignments: b(s.LockAfterMaxReassignments),
		KeyAutoAssignOnAvailability:  b(s.AutoAssignOnAvailability),
		KeyNotifyNewAgent:            b(s.NotifyNewAgent),
		KeyNotifyAdminOnFailure:      b(s.NotifyAdminOnFailure),
		KeyEnableReassignmentLogs:    b(s.EnableReassignmentLogs),
		KeyLogRetentionDays:          strconv.Itoa(s.LogRetentionDays),
	}
}

func secondsValue(raw string) (time.Duration, error) {
	n, err := cast.ToIntE(raw)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
