package model

type SessionID string
type TargetID string

// SessionConfig 页面会话配置
type SessionConfig struct {
	DevToolsURL      string   `json:"devToolsURL"`
	Target           TargetID `json:"target"` // 为空时选择第一个 page 类型目标
	ProcessTimeoutMS int      `json:"processTimeoutMS"`
}

// RouterStats mock 路由统计
type RouterStats struct {
	Total  int64            `json:"total"`
	Mocked int64            `json:"mocked"`
	ByRule map[string]int64 `json:"byRule"`
}

// 事件类型
const (
	EventIntercepted = "intercepted"
	EventFulfilled   = "fulfilled"
	EventContinued   = "continued"
	EventRecorded    = "recorded"
	EventDegraded    = "degraded"
)

// Event 拦截与录制过程中产生的事件
type Event struct {
	Type      string    `json:"type"`
	Session   SessionID `json:"session"`
	Target    TargetID  `json:"target"`
	Rule      string    `json:"rule,omitempty"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Timestamp int64     `json:"timestamp"`
}

// TargetInfo 可附加的浏览器目标
type TargetInfo struct {
	ID    TargetID `json:"id"`
	Type  string   `json:"type"`
	URL   string   `json:"url"`
	Title string   `json:"title"`
}
