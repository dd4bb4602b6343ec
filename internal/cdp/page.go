package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/rpcc"

	"cdpfluent/internal/logger"
	"cdpfluent/internal/recorder"
	"cdpfluent/pkg/mock"
	"cdpfluent/pkg/model"
)

var (
	// ErrPageClosed 页面已关闭，所有依附于页面的等待都以此结束
	ErrPageClosed  = errors.New("page closed")
	ErrNoTarget    = errors.New("no page target found")
	ErrNotAttached = errors.New("page not attached")
)

// Options 附加页面的选项
type Options struct {
	DevToolsURL      string
	Target           model.TargetID // 为空时选择第一个 page 类型目标
	ProcessTimeoutMS int
	Session          model.SessionID // 写入发出的事件
	Events           chan model.Event
	Logger           logger.Logger
}

// Page 一个已附加的浏览器页面
//
// 页面持有 mock 路由器与请求录制器，二者的生命周期与页面一致。
type Page struct {
	id      model.TargetID
	session model.SessionID
	conn    *rpcc.Conn
	client  *cdp.Client
	ctx     context.Context
	cancel  context.CancelCauseFunc
	router  *mock.Router
	rec     *recorder.Recorder
	reg     *Registry
	events  chan model.Event
	timeout time.Duration
	log     logger.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListTargets 列出浏览器中的可附加目标
func ListTargets(ctx context.Context, devToolsURL string) ([]model.TargetInfo, error) {
	targets, err := devtool.New(devToolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		out = append(out, model.TargetInfo{
			ID:    model.TargetID(t.ID),
			Type:  string(t.Type),
			URL:   t.URL,
			Title: t.Title,
		})
	}
	return out, nil
}

// EnsurePage 浏览器中没有 page 类型目标时新建一个空白页
func EnsurePage(ctx context.Context, devToolsURL string) error {
	dt := devtool.New(devToolsURL)
	if _, err := dt.Get(ctx, devtool.Page); err == nil {
		return nil
	}
	if _, err := dt.Create(ctx); err != nil {
		return fmt.Errorf("create page target: %w", err)
	}
	return nil
}

// Attach 连接到目标页面并开始拦截与录制
func Attach(ctx context.Context, opts Options) (*Page, error) {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}

	targets, err := devtool.New(opts.DevToolsURL).List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if opts.Target == "" && t.Type == devtool.Page {
			sel = t
			break
		}
		if opts.Target != "" && model.TargetID(t.ID) == opts.Target {
			sel = t
			break
		}
	}
	if sel == nil {
		return nil, ErrNoTarget
	}

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", sel.WebSocketDebuggerURL, err)
	}

	timeout := time.Duration(opts.ProcessTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	pctx, cancel := context.WithCancelCause(context.Background())
	client := cdp.NewClient(conn)
	p := &Page{
		id:      model.TargetID(sel.ID),
		session: opts.Session,
		conn:    conn,
		client:  client,
		reg:     NewRegistry(client.Runtime, client.DOM),
		ctx:     pctx,
		cancel:  cancel,
		router:  mock.NewRouter(l.With("target", sel.ID)),
		rec:     recorder.New(l.With("target", sel.ID)),
		events:  opts.Events,
		timeout: timeout,
		log:     l.With("target", sel.ID),
	}

	if err := p.enable(ctx); err != nil {
		p.Close()
		return nil, err
	}
	p.log.Info("页面已附加", "url", sel.URL)
	return p, nil
}

// enable 打开所需的 CDP 域并启动事件消费
func (p *Page) enable(ctx context.Context) error {
	if err := p.client.Page.Enable(ctx); err != nil {
		return fmt.Errorf("enable page domain: %w", err)
	}
	if err := p.client.Runtime.Enable(ctx); err != nil {
		return fmt.Errorf("enable runtime domain: %w", err)
	}

	// 事件流需要在打开 Network/Fetch 之前建立，避免丢失最早的事件
	streams, err := p.openNetworkStreams()
	if err != nil {
		return err
	}
	paused, err := p.client.Fetch.RequestPaused(p.ctx)
	if err != nil {
		streams.Close()
		return fmt.Errorf("subscribe requestPaused: %w", err)
	}

	if err := p.client.Network.Enable(ctx, nil); err != nil {
		streams.Close()
		paused.Close()
		return fmt.Errorf("enable network domain: %w", err)
	}
	all := "*"
	patterns := []fetch.RequestPattern{{URLPattern: &all, RequestStage: fetch.RequestStageRequest}}
	if err := p.client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: patterns}); err != nil {
		streams.Close()
		paused.Close()
		return fmt.Errorf("enable fetch domain: %w", err)
	}

	p.wg.Add(2)
	go p.consume(paused)
	go p.pump(streams)
	go p.watchConn()
	return nil
}

// watchConn 连接断开即视为页面关闭
func (p *Page) watchConn() {
	select {
	case <-p.conn.Context().Done():
		p.log.Warn("CDP 连接已断开")
		p.Close()
	case <-p.ctx.Done():
	}
}

// ID 目标ID
func (p *Page) ID() model.TargetID { return p.id }

// Context 页面关闭时结束，Cause 为 ErrPageClosed
func (p *Page) Context() context.Context { return p.ctx }

// Done 页面关闭时关闭的通道
func (p *Page) Done() <-chan struct{} { return p.ctx.Done() }

// Router 页面的 mock 路由器
func (p *Page) Router() *mock.Router { return p.router }

// Recorder 页面的请求录制器
func (p *Page) Recorder() *recorder.Recorder { return p.rec }

// Registry 基于该页面 Runtime 的元素注册表
func (p *Page) Registry() *Registry { return p.reg }

// Navigate 导航并等待 load 事件
func (p *Page) Navigate(ctx context.Context, url string) error {
	if p.ctx.Err() != nil {
		return context.Cause(p.ctx)
	}
	ctx, cancel := mergeCancel(ctx, p.ctx)
	defer cancel()

	loaded, err := p.client.Page.LoadEventFired(ctx)
	if err != nil {
		return fmt.Errorf("subscribe loadEventFired: %w", err)
	}
	defer loaded.Close()

	reply, err := p.client.Page.Navigate(ctx, page.NewNavigateArgs(url))
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if reply.ErrorText != nil && *reply.ErrorText != "" {
		return fmt.Errorf("navigate %s: %s", url, *reply.ErrorText)
	}
	if _, err := loaded.Recv(); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return fmt.Errorf("wait load event: %w", err)
	}
	p.log.Info("页面导航完成", "url", url)
	return nil
}

// Close 关闭页面：停止事件消费、结束未完成的录制并断开连接
func (p *Page) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel(ErrPageClosed)
		if p.reg != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if rerr := p.reg.Release(ctx); rerr != nil {
				p.log.Debug("释放页面对象失败", "error", rerr)
			}
			cancel()
		}
		err = p.conn.Close()
		p.wg.Wait()
		p.rec.Close(ErrPageClosed.Error())
		p.log.Info("页面已关闭")
	})
	return err
}

// sendEvent 非阻塞发送事件，自动添加时间戳
func (p *Page) sendEvent(evt model.Event) {
	if p.events == nil {
		return
	}
	evt.Session = p.session
	evt.Target = p.id
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case p.events <- evt:
	default:
	}
}

// mergeCancel 返回在任一父 ctx 结束时结束的 ctx，Cause 沿用先结束的一方
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(other, func() { cancel(context.Cause(other)) })
	return merged, func() {
		stop()
		cancel(context.Canceled)
	}
}
