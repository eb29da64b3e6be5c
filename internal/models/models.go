package models

import (
	"time"
)

// 会话状态
const (
	SessionStatusWaiting = "waiting_for_support"
	SessionStatusActive  = "active"
	SessionStatusClosed  = "closed"
)

// 重分配触发来源
const (
	TriggerUserLeft       = "user_left"
	TriggerAgentOffline   = "agent_offline"
	TriggerManualClaim    = "manual_claim"
	TriggerManualUnassign = "manual_unassign"
	TriggerAdminForced    = "admin_forced"
	TriggerAgentAvailable = "agent_available"
)

// 重分配结果
const (
	OutcomeSuccess          = "success"
	OutcomeNoAgentAvailable = "no_agent_available"
	OutcomeBlockedByLimit   = "blocked_by_limit"
	OutcomeBlockedByLock    = "blocked_by_lock"
)

// 会话关闭原因
const (
	CloseReasonResolved      = "resolved"
	CloseReasonUserAbandoned = "user_abandoned"
	CloseReasonAdminEnded    = "admin_ended"
	CloseReasonSpam          = "spam"
	CloseReasonDuplicate     = "duplicate"
	CloseReasonOther         = "other"
)

var closeReasons = map[string]bool{
	CloseReasonResolved:      true,
	CloseReasonUserAbandoned: true,
	CloseReasonAdminEnded:    true,
	CloseReasonSpam:          true,
	CloseReasonDuplicate:     true,
	CloseReasonOther:         true,
}

// ValidCloseReason 判断关闭原因是否在枚举内
func ValidCloseReason(reason string) bool {
	return closeReasons[reason]
}

// ChatSession 在线客服会话
type ChatSession struct {
	ID                 string     `gorm:"primaryKey;size:64" json:"id"`
	UserID             string     `gorm:"index;size:64;not null" json:"user_id"`
	Status             string     `gorm:"index;size:32;not null" json:"status"` // waiting_for_support, active, closed
	AssignedAgentID    *string    `gorm:"index;size:64" json:"assigned_agent_id"`
	PreviousAgentID    *string    `gorm:"size:64" json:"previous_agent_id"`
	ReassignmentCount  int        `gorm:"not null;default:0" json:"reassignment_count"`
	UnlockedAtCount    int        `gorm:"not null;default:0" json:"unlocked_at_count"` // 管理员解锁时的计数，限额从此处重新计算
	Locked             bool       `gorm:"not null;default:false" json:"locked"`
	LastUserActivityAt time.Time  `json:"last_user_activity_at"`
	LastReassignedAt   *time.Time `json:"last_reassigned_at"`
	UserLeftHandledAt  *time.Time `json:"user_left_handled_at"` // 最近一次处理用户离开的时间，重启后据此避免重复触发
	CloseReason        string     `gorm:"size:32" json:"close_reason,omitempty"`
	ClosingMessage     string     `gorm:"type:text" json:"closing_message,omitempty"`
	ClosedAt           *time.Time `json:"closed_at"`
	Version            int64      `gorm:"not null" json:"version"` // 乐观锁版本号
	CreatedAt          time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsClosed 会话是否已关闭
func (s *ChatSession) IsClosed() bool {
	return s.Status == SessionStatusClosed
}

// Clone 返回深拷贝，指针字段不与原对象共享
func (s *ChatSession) Clone() *ChatSession {
	c := *s
	c.AssignedAgentID = cloneString(s.AssignedAgentID)
	c.PreviousAgentID = cloneString(s.PreviousAgentID)
	c.LastReassignedAt = cloneTime(s.LastReassignedAt)
	c.UserLeftHandledAt = cloneTime(s.UserLeftHandledAt)
	c.ClosedAt = cloneTime(s.ClosedAt)
	return &c
}

// AgentPresence 客服在线状态（每个客服一行，只停用不删除）
type AgentPresence struct {
	AgentID         string    `gorm:"primaryKey;size:64" json:"agent_id"`
	IsOnline        bool      `gorm:"index;not null;default:false" json:"is_online"`
	ActiveChatCount int       `gorm:"not null;default:0" json:"active_chat_count"`
	Priority        int       `gorm:"not null;default:0" json:"priority"` // 外部提供的优先级（如客服等级），越大越优先
	LastSeenAt      time.Time `gorm:"index" json:"last_seen_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ReassignmentEvent 重分配审计记录（只追加）
type ReassignmentEvent struct {
	ID              string    `gorm:"primaryKey;size:32" json:"id"`
	SessionID       string    `gorm:"index;size:64;not null" json:"session_id"`
	Trigger         string    `gorm:"size:32;not null" json:"trigger"`
	PreviousAgentID *string   `gorm:"size:64" json:"previous_agent_id"`
	NewAgentID      *string   `gorm:"size:64" json:"new_agent_id"`
	Outcome         string    `gorm:"index;size:32;not null" json:"outcome"`
	Detail          string    `json:"detail,omitempty"`
	OccurredAt      time.Time `gorm:"index" json:"occurred_at"`
}

// ChatSetting 客服设置（键值行，与后台设置页共享）
type ChatSetting struct {
	Key       string    `gorm:"primaryKey;size:64" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllModels 需要迁移的全部模型
func AllModels() []interface{} {
	return []interface{}{
		&ChatSession{},
		&AgentPresence{},
		&ReassignmentEvent{},
		&ChatSetting{},
	}
}

// StringPtr 返回字符串指针，空字符串返回 nil
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StringValue 解引用，nil 返回空字符串
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
