package cdp

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/network"

	"cdpfluent/internal/recorder"
	"cdpfluent/pkg/model"
)

// networkStreams 录制所需的 Network 事件流，经 cdp.Sync 保持事件顺序
type networkStreams struct {
	willBeSent network.RequestWillBeSentClient
	response   network.ResponseReceivedClient
	finished   network.LoadingFinishedClient
	failed     network.LoadingFailedClient
}

func (s *networkStreams) Close() {
	s.willBeSent.Close()
	s.response.Close()
	s.finished.Close()
	s.failed.Close()
}

func (p *Page) openNetworkStreams() (*networkStreams, error) {
	s := &networkStreams{}
	var err error
	if s.willBeSent, err = p.client.Network.RequestWillBeSent(p.ctx); err != nil {
		return nil, fmt.Errorf("subscribe requestWillBeSent: %w", err)
	}
	if s.response, err = p.client.Network.ResponseReceived(p.ctx); err != nil {
		s.willBeSent.Close()
		return nil, fmt.Errorf("subscribe responseReceived: %w", err)
	}
	if s.finished, err = p.client.Network.LoadingFinished(p.ctx); err != nil {
		s.willBeSent.Close()
		s.response.Close()
		return nil, fmt.Errorf("subscribe loadingFinished: %w", err)
	}
	if s.failed, err = p.client.Network.LoadingFailed(p.ctx); err != nil {
		s.willBeSent.Close()
		s.response.Close()
		s.finished.Close()
		return nil, fmt.Errorf("subscribe loadingFailed: %w", err)
	}
	if err := cdp.Sync(s.willBeSent, s.response, s.finished, s.failed); err != nil {
		s.Close()
		return nil, fmt.Errorf("sync network streams: %w", err)
	}
	return s, nil
}

// pump 将 Network 事件按到达顺序送入录制器
func (p *Page) pump(s *networkStreams) {
	defer p.wg.Done()
	defer s.Close()

	for {
		var err error
		select {
		case <-p.ctx.Done():
			return
		case <-s.willBeSent.Ready():
			var ev *network.RequestWillBeSentReply
			if ev, err = s.willBeSent.Recv(); err == nil {
				p.onRequestWillBeSent(toRequestEvent(ev))
			}
		case <-s.response.Ready():
			var ev *network.ResponseReceivedReply
			if ev, err = s.response.Recv(); err == nil {
				p.rec.OnResponseReceived(toResponseEvent(ev.RequestID, ev.Response))
			}
		case <-s.finished.Ready():
			var ev *network.LoadingFinishedReply
			if ev, err = s.finished.Recv(); err == nil {
				p.onLoadingFinished(ev.RequestID)
			}
		case <-s.failed.Ready():
			var ev *network.LoadingFailedReply
			if ev, err = s.failed.Recv(); err == nil {
				p.rec.OnLoadingFailed(string(ev.RequestID), ev.ErrorText)
			}
		}
		if err != nil {
			if p.ctx.Err() == nil {
				p.log.Err(err, "接收网络事件失败")
				go p.Close()
			}
			return
		}
	}
}

// onRequestWillBeSent 交给录制器，被录制时发出 recorded 事件
func (p *Page) onRequestWillBeSent(ev recorder.RequestEvent) {
	p.rec.OnRequestWillBeSent(ev)
	if p.rec.Wants(ev.ID) {
		p.sendEvent(model.Event{Type: model.EventRecorded, URL: ev.URL, Method: ev.Method})
	}
}

// onLoadingFinished 仅为被录制的请求读取响应体
func (p *Page) onLoadingFinished(id network.RequestID) {
	if !p.rec.Wants(string(id)) {
		p.rec.Forget(string(id))
		return
	}
	body, err := p.responseBody(id)
	if err != nil {
		p.log.Debug("读取响应体失败，按空响应体记录", "requestID", id, "error", err)
	}
	p.rec.OnLoadingFinished(string(id), body)
}

func (p *Page) responseBody(id network.RequestID) (string, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	reply, err := p.client.Network.GetResponseBody(ctx, network.NewGetResponseBodyArgs(id))
	if err != nil {
		return "", err
	}
	if !reply.Base64Encoded {
		return reply.Body, nil
	}
	b, err := base64.StdEncoding.DecodeString(reply.Body)
	if err != nil {
		return reply.Body, nil
	}
	return string(b), nil
}
