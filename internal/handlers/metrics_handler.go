package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"chatassign/internal/metrics"
	"chatassign/internal/services"

	"github.com/gin-gonic/gin"
)

// MetricsHandler 运行指标（Prometheus 文本格式与 JSON 统计）
type MetricsHandler struct {
	wsHub     *services.WebSocketHub
	registry  *services.PresenceRegistry
	monitor   *services.ActivityMonitor
	startedAt time.Time
}

func NewMetricsHandler(wsHub *services.WebSocketHub, registry *services.PresenceRegistry, monitor *services.ActivityMonitor) *MetricsHandler {
	return &MetricsHandler{wsHub: wsHub, registry: registry, monitor: monitor, startedAt: time.Now()}
}

type presenceTotals struct {
	online      int
	activeChats int
}

func (h *MetricsHandler) presence() presenceTotals {
	var t presenceTotals
	if h.registry == nil {
		return t
	}
	for _, p := range h.registry.Snapshot() {
		if p.IsOnline {
			t.online++
		}
		t.activeChats += p.ActiveChatCount
	}
	return t
}

// GetMetrics 获取系统指标（Prometheus 格式）
func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	wsClients := 0
	if h.wsHub != nil {
		wsClients = h.wsHub.GetClientCount()
	}
	tracked := 0
	if h.monitor != nil {
		tracked = h.monitor.Tracked()
	}
	pt := h.presence()

	b := &strings.Builder{}
	fmt.Fprintf(b, "# HELP chatassign_info Information about the chatassign instance\n")
	fmt.Fprintf(b, "# TYPE chatassign_info gauge\n")
	fmt.Fprintf(b, "chatassign_info{version=%q} 1\n\n", Version)

	fmt.Fprintf(b, "# HELP chatassign_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(b, "# TYPE chatassign_uptime_seconds counter\n")
	fmt.Fprintf(b, "chatassign_uptime_seconds %.0f\n\n", time.Since(h.startedAt).Seconds())

	fmt.Fprintf(b, "# HELP chatassign_websocket_active_connections Connected agent/admin consoles\n")
	fmt.Fprintf(b, "# TYPE chatassign_websocket_active_connections gauge\n")
	fmt.Fprintf(b, "chatassign_websocket_active_connections %d\n\n", wsClients)

	fmt.Fprintf(b, "# HELP chatassign_agents_online Agents currently online\n")
	fmt.Fprintf(b, "# TYPE chatassign_agents_online gauge\n")
	fmt.Fprintf(b, "chatassign_agents_online %d\n\n", pt.online)

	fmt.Fprintf(b, "# HELP chatassign_active_chats Open sessions assigned to agents\n")
	fmt.Fprintf(b, "# TYPE chatassign_active_chats gauge\n")
	fmt.Fprintf(b, "chatassign_active_chats %d\n\n", pt.activeChats)

	fmt.Fprintf(b, "# HELP chatassign_tracked_sessions Sessions with a live inactivity timer\n")
	fmt.Fprintf(b, "# TYPE chatassign_tracked_sessions gauge\n")
	fmt.Fprintf(b, "chatassign_tracked_sessions %d\n\n", tracked)

	fmt.Fprintf(b, "# HELP chatassign_reassignment_outcomes_total Orchestrator outcomes by trigger and outcome\n")
	fmt.Fprintf(b, "# TYPE chatassign_reassignment_outcomes_total counter\n")
	for _, oc := range metrics.OutcomeSnapshot() {
		fmt.Fprintf(b, "chatassign_reassignment_outcomes_total{trigger=%q,outcome=%q} %d\n", oc.Trigger, oc.Outcome, oc.Count)
	}
	b.WriteString("\n")

	fmt.Fprintf(b, "# HELP chatassign_sink_failures_total Failed notification or audit deliveries\n")
	fmt.Fprintf(b, "# TYPE chatassign_sink_failures_total counter\n")
	writeLabeled(b, "chatassign_sink_failures_total", "sink", metrics.SinkFailureSnapshot())
	b.WriteString("\n")

	total, byPrefix := metrics.RateLimitSnapshot()
	fmt.Fprintf(b, "# HELP chatassign_rate_limit_dropped_total Requests rejected by the rate limiter\n")
	fmt.Fprintf(b, "# TYPE chatassign_rate_limit_dropped_total counter\n")
	fmt.Fprintf(b, "chatassign_rate_limit_dropped_total %d\n", total)
	writeLabeled(b, "chatassign_rate_limit_dropped_total", "prefix", byPrefix)

	c.Header("Content-Type", "text/plain; version=0.0.4")
	c.String(http.StatusOK, b.String())
}

func writeLabeled(b *strings.Builder, name, label string, values map[string]uint64) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}

// GetStats JSON 统计（后台仪表盘使用）
func (h *MetricsHandler) GetStats(c *gin.Context) {
	pt := h.presence()
	_, byPrefix := metrics.RateLimitSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"agents_online":   pt.online,
		"active_chats":    pt.activeChats,
		"outcomes":        metrics.OutcomeSnapshot(),
		"sink_failures":   metrics.SinkFailureSnapshot(),
		"rate_limit_drop": byPrefix,
	})
}
