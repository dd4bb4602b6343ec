package session

import (
	"context"
	"sync"
	"time"

	"cdpfluent/internal/logger"
	"cdpfluent/internal/recorder"
	"cdpfluent/internal/rules"
	"cdpfluent/pkg/mock"
	"cdpfluent/pkg/model"
	"cdpfluent/pkg/selector"
)

// Page 会话所依附的页面
type Page interface {
	ID() model.TargetID
	Context() context.Context
	Router() *mock.Router
	Recorder() *recorder.Recorder
	Navigate(ctx context.Context, url string) error
	Close() error
}

// Session 一个页面会话：页面、选择器解析器与事件通道
type Session struct {
	ID        model.SessionID
	CreatedAt time.Time

	page     Page
	resolver *selector.Resolver
	events   chan model.Event

	rulesOnce sync.Once
	rules     *rules.Engine
}

// New 创建会话
func New(id model.SessionID, page Page, reg selector.Registry, events chan model.Event, l logger.Logger) *Session {
	if l == nil {
		l = logger.NewNop()
	}
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		page:      page,
		resolver:  selector.NewResolver(reg, l.With("session", string(id))),
		events:    events,
	}
}

func (s *Session) Page() Page { return s.page }
func (s *Session) Resolver() *selector.Resolver { return s.resolver }
func (s *Session) Events() <-chan model.Event { return s.events }

// Active 页面是否仍然可用
func (s *Session) Active() bool { return s.page.Context().Err() == nil }

// MockRules 规则文件引擎，首次使用时接入页面路由器
func (s *Session) MockRules() *rules.Engine {
	s.rulesOnce.Do(func() {
		s.rules = rules.New()
		s.page.Router().AddSource(s.rules)
	})
	return s.rules
}
