package api

import (
	"context"

	"cdpfluent/internal/cdp"
	"cdpfluent/internal/config"
	"cdpfluent/internal/logger"
	"cdpfluent/internal/poll"
	"cdpfluent/internal/recorder"
	"cdpfluent/internal/service"
	"cdpfluent/internal/storage"
	"cdpfluent/pkg/mock"
	"cdpfluent/pkg/model"
	"cdpfluent/pkg/selector"
	"cdpfluent/pkg/traffic"
)

var (
	ErrSessionNotFound = service.ErrSessionNotFound
	ErrNoActivePage    = service.ErrNoActivePage
	ErrPageClosed      = cdp.ErrPageClosed
	ErrTimeout         = poll.ErrTimeout
)

// Service 服务接口
type Service interface {
	// StartSession 附加页面并启动会话
	StartSession(ctx context.Context, cfg model.SessionConfig) (model.SessionID, error)

	// StopSession 关闭页面并停止会话
	StopSession(id model.SessionID) error

	// ListTargets 列出浏览器目标
	ListTargets(ctx context.Context, devToolsURL string) ([]model.TargetInfo, error)

	// Navigate 导航并等待页面加载
	Navigate(ctx context.Context, id model.SessionID, url string) error

	// WithMocks 追加 mock 规则
	WithMocks(id model.SessionID, mocks ...mock.Mock) error

	// LoadMockFile 从 YAML 文件加载 mock 规则，替换此前加载的文件规则
	LoadMockFile(id model.SessionID, path string) (int, error)

	// RouterStats 获取 mock 路由统计
	RouterStats(id model.SessionID) (model.RouterStats, error)

	// SubscribeEvents 订阅拦截与录制事件
	SubscribeEvents(id model.SessionID) (<-chan model.Event, error)

	// RecordRequestsTo 录制 URL 包含 fragment 的请求
	RecordRequestsTo(id model.SessionID, fragment string, takeAll recorder.TakeAllPredicate, onRequest func(*traffic.RecordedRequest)) (*recorder.Session, error)

	// RecordedRequestsTo 获取已录制的请求
	RecordedRequestsTo(id model.SessionID, fragment string) ([]*traffic.RecordedRequest, error)

	// WaitForRecordedRequests 等待录制数量稳定且请求全部结束
	WaitForRecordedRequests(ctx context.Context, id model.SessionID, fragment string, opts *poll.Options) ([]*traffic.RecordedRequest, error)

	// SaveRecordedRequests 持久化录制结果
	SaveRecordedRequests(ctx context.Context, id model.SessionID, fragment string) (int, error)
	// ListSavedRequests 读取已持久化的录制结果
	ListSavedRequests(ctx context.Context, id model.SessionID, fragment string) ([]storage.RequestRecord, error)

	// Resolver 获取选择器解析器
	Resolver(id model.SessionID) (*selector.Resolver, error)

	// Selector 以 css 为根创建选择器
	Selector(id model.SessionID, css string) (selector.Selector, error)

	// WaitUntil 等待条件稳定为真
	WaitUntil(ctx context.Context, id model.SessionID, pred poll.Predicate, opts *poll.Options) error

	// WaitForStabilityOf 等待取值稳定
	WaitForStabilityOf(ctx context.Context, id model.SessionID, produce poll.Producer, opts *poll.Options) (any, error)

	// Close 关闭所有会话
	Close() error
}

// NewService 创建并返回服务接口实现；st 为空时不启用持久化
func NewService(cfg *config.Config, l logger.Logger, st *storage.Store) Service {
	var opts []service.Option
	if st != nil {
		opts = append(opts, service.WithStore(st))
	}
	return service.New(cfg, l, opts...)
}
