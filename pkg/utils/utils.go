package utils

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewSessionID 生成会话 ID
func NewSessionID() string {
	return uuid.NewString()
}

// NewEventID 生成按时间排序的审计事件 ID
func NewEventID() string {
	return ulid.Make().String()
}

// EventTime 从审计事件 ID 中解析时间，无法解析时返回零值
func EventTime(id string) time.Time {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(u.Time())
}

// 时间格式化
func FormatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

// SplitList 拆分逗号分隔的列表，去掉空项（例如 "k1:9092, k2:9092"）
func SplitList(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
