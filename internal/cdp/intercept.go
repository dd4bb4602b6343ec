package cdp

import (
	"context"
	"time"

	"github.com/mafredri/cdp/protocol/fetch"

	"cdpfluent/pkg/model"
)

// fetchAPI 拦截处理用到的 Fetch 域方法
type fetchAPI interface {
	FulfillRequest(ctx context.Context, args *fetch.FulfillRequestArgs) error
	ContinueRequest(ctx context.Context, args *fetch.ContinueRequestArgs) error
}

// consume 持续接收拦截事件，每个事件独立处理，互不阻塞
func (p *Page) consume(rp fetch.RequestPausedClient) {
	defer p.wg.Done()
	defer rp.Close()

	p.log.Info("开始消费拦截事件流")
	for {
		ev, err := rp.Recv()
		if err != nil {
			if p.ctx.Err() == nil {
				p.log.Err(err, "接收拦截事件失败")
				go p.Close()
			}
			return
		}
		p.dispatch(p.client.Fetch, ev)
	}
}

// dispatch 在独立 goroutine 中处理拦截事件，Close 会等待其结束
func (p *Page) dispatch(f fetchAPI, ev *fetch.RequestPausedReply) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.handle(f, ev)
	}()
}

// handle 处理一次拦截：命中 mock 则伪造响应，否则放行
func (p *Page) handle(f fetchAPI, ev *fetch.RequestPausedReply) {
	start := time.Now()
	req := ToNeutralRequest(ev)
	p.sendEvent(model.Event{Type: model.EventIntercepted, URL: req.URL, Method: req.Method})
	p.log.Debug("开始处理拦截事件", "url", req.URL, "method", req.Method)

	d, err := p.router.Route(p.ctx, req)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.degradeAndContinue(f, ev, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	if !d.Mocked() {
		if err := f.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID}); err != nil {
			p.log.Err(err, "放行请求失败", "url", req.URL)
			return
		}
		p.sendEvent(model.Event{Type: model.EventContinued, URL: req.URL, Method: req.Method})
		p.log.Debug("拦截事件处理完成，无匹配规则", "duration", time.Since(start))
		return
	}

	// 先标记再伪造，保证录制器在收到响应前已知道该请求被 mock
	if ev.NetworkID != nil {
		p.rec.MarkMocked(string(*ev.NetworkID))
	}
	args := &fetch.FulfillRequestArgs{
		RequestID:       ev.RequestID,
		ResponseCode:    d.Response.StatusCode,
		ResponseHeaders: ToHeaderEntries(d.Response.Headers),
		Body:            d.Response.Body,
	}
	if err := f.FulfillRequest(ctx, args); err != nil {
		p.log.Err(err, "伪造响应失败", "rule", d.Rule, "url", req.URL)
		return
	}
	p.sendEvent(model.Event{Type: model.EventFulfilled, Rule: d.Rule, URL: req.URL, Method: req.Method})
	p.log.Debug("拦截事件处理完成，已伪造响应", "rule", d.Rule, "duration", time.Since(start))
}

// degradeAndContinue 统一的降级处理：直接放行请求
func (p *Page) degradeAndContinue(f fetchAPI, ev *fetch.RequestPausedReply, reason string) {
	p.log.Warn("执行降级策略：直接放行", "reason", reason, "requestID", ev.RequestID)
	ctx, cancel := context.WithTimeout(p.ctx, time.Second)
	defer cancel()
	if err := f.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID}); err != nil {
		p.log.Err(err, "降级放行失败")
	}
	p.sendEvent(model.Event{Type: model.EventDegraded, URL: ev.Request.URL, Method: ev.Request.Method})
}
