package services

import "errors"

// 分配引擎错误分类，调用方使用 errors.Is 判断
var (
	// ErrConfigUnavailable 设置读取失败，自动重分配必须停止（fail closed）
	ErrConfigUnavailable = errors.New("reassignment settings unavailable")
	// ErrInvalidSettings 设置值超出允许范围
	ErrInvalidSettings = errors.New("invalid reassignment settings")

	ErrAlreadyAssigned = errors.New("session already assigned to another agent")
	ErrNotAssignee     = errors.New("requester is not the current assignee")
	ErrBlockedByLimit  = errors.New("reassignment blocked by limit")
	ErrBlockedByLock   = errors.New("session is locked")

	// ErrConcurrencyConflict 乐观提交失败，另一个写入者先修改了会话
	ErrConcurrencyConflict = errors.New("session was modified concurrently")

	ErrSessionClosed      = errors.New("session is closed")
	ErrSessionNotFound    = errors.New("session not found")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrInvalidCloseReason = errors.New("invalid close reason")
)
