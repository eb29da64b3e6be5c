package services

import (
	"fmt"
	"sort"
	"sync"

	"chatassign/internal/models"
)

// Decision 分配决策结果
type Decision struct {
	AgentID          string             `json:"agent_id,omitempty"`
	Reason           string             `json:"reason"`
	Strategy         AssignmentStrategy `json:"strategy"`
	UsedBusyFallback bool               `json:"used_busy_fallback"`
	RestoredPrevious bool               `json:"restored_previous"`
	Candidates       int                `json:"candidates"`
}

// Found 是否选出了客服
func (d Decision) Found() bool {
	return d.AgentID != ""
}

type candidate struct {
	models.AgentPresence
	load int // 排除当前会话后的有效负载
}

// SelectAgent 纯函数：根据会话、在线快照与设置选择客服。
// 相同输入总是得到相同输出；cursor 为 round_robin 上次选中的客服。
//
// 会话当前的 assigned_agent_id 视为即将释放，其负载按减一计算；
// previous_agent_id 在 exclude_previous_agent 打开时被排除，若排除后无人可选则恢复。
func SelectAgent(session *models.ChatSession, snapshot []models.AgentPresence, settings ReassignmentSettings, cursor string) Decision {
	d := Decision{Strategy: settings.Strategy}
	releasing := models.StringValue(session.AssignedAgentID)
	previous := models.StringValue(session.PreviousAgentID)

	var online []candidate
	for _, p := range snapshot {
		if !p.IsOnline {
			continue
		}
		c := candidate{AgentPresence: p, load: p.ActiveChatCount}
		if p.AgentID == releasing && c.load > 0 {
			c.load--
		}
		online = append(online, c)
	}
	if len(online) == 0 {
		d.Reason = "no online agents"
		return d
	}

	pool := online
	excluded := false
	if settings.ExcludePreviousAgent && previous != "" {
		var rest []candidate
		for _, c := range online {
			if c.AgentID != previous {
				rest = append(rest, c)
			}
		}
		excluded = len(rest) < len(online)
		pool = rest
	}

	eligible, busy := eligibleCandidates(pool, settings)
	if len(eligible) == 0 && excluded {
		// 不因为避免重复客服而让会话无人接待
		eligible, busy = eligibleCandidates(online, settings)
		d.RestoredPrevious = len(eligible) > 0
	}
	d.Candidates = len(eligible)
	d.UsedBusyFallback = busy && len(eligible) > 0
	if len(eligible) == 0 {
		d.Reason = fmt.Sprintf("all %d online agents at capacity", len(online))
		return d
	}

	var chosen candidate
	switch settings.Strategy {
	case StrategyRoundRobin:
		chosen = pickRoundRobin(eligible, cursor)
	case StrategyPriorityBased:
		sort.SliceStable(eligible, func(i, j int) bool {
			if eligible[i].Priority != eligible[j].Priority {
				return eligible[i].Priority > eligible[j].Priority
			}
			return lessActive(eligible[i], eligible[j])
		})
		chosen = eligible[0]
	default:
		sort.SliceStable(eligible, func(i, j int) bool { return lessActive(eligible[i], eligible[j]) })
		chosen = eligible[0]
	}

	d.AgentID = chosen.AgentID
	d.Reason = fmt.Sprintf("selected by %s (load %d)", settings.Strategy, chosen.load)
	if d.UsedBusyFallback {
		d.Reason += ", busy fallback"
	}
	if d.RestoredPrevious {
		d.Reason += ", previous agent restored"
	}
	return d
}

// eligibleCandidates 空闲客服优先；无空闲且允许忙碌兜底时返回全部候选
func eligibleCandidates(pool []candidate, settings ReassignmentSettings) ([]candidate, bool) {
	var idle []candidate
	for _, c := range pool {
		if c.load < settings.MaxChatsPerAgent {
			idle = append(idle, c)
		}
	}
	if len(idle) > 0 {
		return idle, false
	}
	if settings.AllowBusyAgentFallback && len(pool) > 0 {
		out := make([]candidate, len(pool))
		copy(out, pool)
		return out, true
	}
	return nil, false
}

// lessActive least_active 排序：负载小者优先，其次在线最久（last_seen_at 最早），最后按 id
func lessActive(a, b candidate) bool {
	if a.load != b.load {
		return a.load < b.load
	}
	if !a.LastSeenAt.Equal(b.LastSeenAt) {
		return a.LastSeenAt.Before(b.LastSeenAt)
	}
	return a.AgentID < b.AgentID
}

func pickRoundRobin(eligible []candidate, cursor string) candidate {
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].AgentID < eligible[j].AgentID })
	for _, c := range eligible {
		if c.AgentID > cursor {
			return c
		}
	}
	return eligible[0]
}

// AssignmentPolicy 持有 round_robin 游标的策略封装。
// Decide 不修改状态；只有提交成功后调用 Acknowledge 才推进游标。
type AssignmentPolicy struct {
	mu     sync.Mutex
	cursor string
}

func NewAssignmentPolicy() *AssignmentPolicy {
	return &AssignmentPolicy{}
}

// Decide 使用当前游标做出决策
func (p *AssignmentPolicy) Decide(session *models.ChatSession, snapshot []models.AgentPresence, settings ReassignmentSettings) Decision {
	p.mu.Lock()
	cursor := p.cursor
	p.mu.Unlock()
	return SelectAgent(session, snapshot, settings, cursor)
}

// Acknowledge 决策已提交
func (p *AssignmentPolicy) Acknowledge(d Decision) {
	if !d.Found() || d.Strategy != StrategyRoundRobin {
		return
	}
	p.mu.Lock()
	p.cursor = d.AgentID
	p.mu.Unlock()
}

// Cursor 当前 round_robin 游标
func (p *AssignmentPolicy) Cursor() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}
