package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cdpfluent/internal/cdp"
	"cdpfluent/internal/config"
	"cdpfluent/internal/logger"
	"cdpfluent/internal/poll"
	"cdpfluent/internal/recorder"
	"cdpfluent/internal/rules"
	"cdpfluent/internal/session"
	"cdpfluent/internal/storage"
	"cdpfluent/pkg/mock"
	"cdpfluent/pkg/model"
	"cdpfluent/pkg/selector"
	"cdpfluent/pkg/traffic"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoActivePage    = errors.New("no active page")
	ErrStorageDisabled = errors.New("storage is not configured")
)

// Attacher 附加页面，返回页面与其元素注册表
type Attacher func(ctx context.Context, opts cdp.Options) (session.Page, selector.Registry, error)

func attachCDP(ctx context.Context, opts cdp.Options) (session.Page, selector.Registry, error) {
	p, err := cdp.Attach(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Registry(), nil
}

// Option 服务选项
type Option func(*Service)

// WithStore 启用录制结果持久化
func WithStore(st *storage.Store) Option { return func(s *Service) { s.store = st } }

// WithAttacher 替换页面附加方式
func WithAttacher(a Attacher) Option { return func(s *Service) { s.attach = a } }

// Service 会话级门面：页面附加、mock、录制、选择器与等待
type Service struct {
	cfg      *config.Config
	sessions *session.Manager
	attach   Attacher
	store    *storage.Store
	log      logger.Logger
}

// New 创建服务
func New(cfg *config.Config, l logger.Logger, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if l == nil {
		l = logger.NewNop()
	}
	s := &Service{
		cfg:      cfg,
		sessions: session.NewManager(l),
		attach:   attachCDP,
		log:      l,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// StartSession 附加页面并创建会话
func (s *Service) StartSession(ctx context.Context, cfg model.SessionConfig) (model.SessionID, error) {
	if cfg.DevToolsURL == "" {
		cfg.DevToolsURL = s.cfg.Browser.DevToolsURL
	}
	if cfg.ProcessTimeoutMS <= 0 {
		cfg.ProcessTimeoutMS = int(s.cfg.ProcessTimeout() / time.Millisecond)
	}

	s.sessions.Prune()
	id := model.SessionID(uuid.NewString())
	events := make(chan model.Event, 256)
	l := s.log.With("session", string(id))
	page, reg, err := s.attach(ctx, cdp.Options{
		DevToolsURL:      cfg.DevToolsURL,
		Target:           cfg.Target,
		ProcessTimeoutMS: cfg.ProcessTimeoutMS,
		Session:          id,
		Events:           events,
		Logger:           l,
	})
	if err != nil {
		l.Err(err, "附加页面失败", "devToolsURL", cfg.DevToolsURL)
		return "", err
	}
	s.sessions.Add(session.New(id, page, reg, events, l))
	return id, nil
}

// StopSession 关闭页面并销毁会话
func (s *Service) StopSession(id model.SessionID) error {
	sess, ok := s.sessions.Remove(id)
	if !ok {
		return ErrSessionNotFound
	}
	return sess.Page().Close()
}

// Close 关闭所有会话
func (s *Service) Close() error {
	var errs []error
	for _, sess := range s.sessions.List() {
		if err := s.StopSession(sess.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListTargets 列出浏览器中的目标
func (s *Service) ListTargets(ctx context.Context, devToolsURL string) ([]model.TargetInfo, error) {
	if devToolsURL == "" {
		devToolsURL = s.cfg.Browser.DevToolsURL
	}
	return cdp.ListTargets(ctx, devToolsURL)
}

// active 返回页面仍然可用的会话
func (s *Service) active(id model.SessionID) (*session.Session, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !sess.Active() {
		return nil, fmt.Errorf("%w: %v", ErrNoActivePage, context.Cause(sess.Page().Context()))
	}
	return sess, nil
}

// Navigate 导航到 url；mock 需在此之前安装
func (s *Service) Navigate(ctx context.Context, id model.SessionID, url string) error {
	sess, err := s.active(id)
	if err != nil {
		return err
	}
	return sess.Page().Navigate(ctx, url)
}

// WithMocks 追加 mock，多次调用保持注册顺序
func (s *Service) WithMocks(id model.SessionID, mocks ...mock.Mock) error {
	sess, err := s.active(id)
	if err != nil {
		return err
	}
	sess.Page().Router().Add(mocks...)
	return nil
}

// LoadMockFile 读取 YAML 规则文件，替换此前加载的文件规则；代码注册的 mock 不受影响
func (s *Service) LoadMockFile(id model.SessionID, path string) (int, error) {
	sess, err := s.active(id)
	if err != nil {
		return 0, err
	}
	rs, err := rules.Load(path)
	if err != nil {
		return 0, err
	}
	if err := sess.MockRules().Update(rs); err != nil {
		return 0, err
	}
	s.log.Info("已加载 mock 规则文件", "session", string(id), "path", path, "count", len(rs.Rules))
	return len(rs.Rules), nil
}

// RouterStats mock 路由统计
func (s *Service) RouterStats(id model.SessionID) (model.RouterStats, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return model.RouterStats{}, ErrSessionNotFound
	}
	return sess.Page().Router().Stats(), nil
}

// SubscribeEvents 返回会话的事件通道
func (s *Service) SubscribeEvents(id model.SessionID) (<-chan model.Event, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Events(), nil
}

// RecordRequestsTo 开始录制 URL 包含 fragment 的请求
func (s *Service) RecordRequestsTo(id model.SessionID, fragment string, takeAll recorder.TakeAllPredicate, onRequest func(*traffic.RecordedRequest)) (*recorder.Session, error) {
	sess, err := s.active(id)
	if err != nil {
		return nil, err
	}
	return sess.Page().Recorder().RecordRequestsTo(fragment, takeAll, onRequest), nil
}

// RecordedRequestsTo 返回已录制的请求；页面关闭后仍可读取
func (s *Service) RecordedRequestsTo(id model.SessionID, fragment string) ([]*traffic.RecordedRequest, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Page().Recorder().RecordedRequestsTo(fragment), nil
}

// Resolver 会话的选择器解析器
func (s *Service) Resolver(id model.SessionID) (*selector.Resolver, error) {
	sess, err := s.active(id)
	if err != nil {
		return nil, err
	}
	return sess.Resolver(), nil
}

// Selector 以 css 为根创建选择器
func (s *Service) Selector(id model.SessionID, css string) (selector.Selector, error) {
	r, err := s.Resolver(id)
	if err != nil {
		return selector.Selector{}, err
	}
	return r.Select(css), nil
}

// WaitOptions 配置文件中的默认等待策略
func (s *Service) WaitOptions() poll.Options {
	w := s.cfg.Wait
	return poll.Options{
		Stability: time.Duration(w.StabilityMS) * time.Millisecond,
		Timeout:   time.Duration(w.TimeoutMS) * time.Millisecond,
		Polling:   time.Duration(w.PollingMS) * time.Millisecond,
	}
}

// pageContext 在调用方 ctx 或页面关闭时结束
func (s *Service) pageContext(ctx context.Context, id model.SessionID) (context.Context, context.CancelFunc, *session.Session, error) {
	sess, err := s.active(id)
	if err != nil {
		return nil, nil, nil, err
	}
	page := sess.Page().Context()
	merged, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(page, func() { cancel(context.Cause(page)) })
	return merged, func() {
		stop()
		cancel(context.Canceled)
	}, sess, nil
}

// WaitUntil 等待谓词在稳定窗口内持续为真；页面关闭时立即返回
func (s *Service) WaitUntil(ctx context.Context, id model.SessionID, pred poll.Predicate, opts *poll.Options) error {
	ctx, cancel, _, err := s.pageContext(ctx, id)
	if err != nil {
		return err
	}
	defer cancel()
	return poll.Until(ctx, pred, s.options(opts))
}

// WaitForStabilityOf 等待取值在稳定窗口内不再变化
func (s *Service) WaitForStabilityOf(ctx context.Context, id model.SessionID, produce poll.Producer, opts *poll.Options) (any, error) {
	ctx, cancel, _, err := s.pageContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return poll.ForStabilityOf(ctx, produce, s.options(opts))
}

// WaitForRecordedRequests 等待录制数量稳定且全部请求结束
func (s *Service) WaitForRecordedRequests(ctx context.Context, id model.SessionID, fragment string, opts *poll.Options) ([]*traffic.RecordedRequest, error) {
	ctx, cancel, sess, err := s.pageContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer cancel()

	rec := sess.Page().Recorder()

	// 数量变化或存在未结束的请求时谓词为假，稳定窗口重新计时
	last := -1
	err = poll.Until(ctx, func(context.Context) (bool, error) {
		reqs := rec.RecordedRequestsTo(fragment)
		changed := len(reqs) != last
		last = len(reqs)
		if changed {
			return false, nil
		}
		for _, r := range reqs {
			if !r.IsSettled() {
				return false, nil
			}
		}
		return true, nil
	}, s.options(opts))
	if err != nil {
		return nil, err
	}
	return rec.RecordedRequestsTo(fragment), nil
}

func (s *Service) options(opts *poll.Options) poll.Options {
	if opts != nil {
		return *opts
	}
	return s.WaitOptions()
}

// SaveRecordedRequests 持久化 fragment 下的录制结果
func (s *Service) SaveRecordedRequests(ctx context.Context, id model.SessionID, fragment string) (int, error) {
	if s.store == nil {
		return 0, ErrStorageDisabled
	}
	reqs, err := s.RecordedRequestsTo(id, fragment)
	if err != nil {
		return 0, err
	}
	return s.store.SaveRequests(ctx, string(id), fragment, reqs)
}

// ListSavedRequests 读取已持久化的录制结果，会话可以已经结束
func (s *Service) ListSavedRequests(ctx context.Context, id model.SessionID, fragment string) ([]storage.RequestRecord, error) {
	if s.store == nil {
		return nil, ErrStorageDisabled
	}
	return s.store.ListRequests(ctx, string(id), fragment)
}
