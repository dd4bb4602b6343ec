package recorder

import (
	"html"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"cdpfluent/internal/logger"
	"cdpfluent/pkg/traffic"
)

// TakeAllPredicate 每次录制后重新评估，返回 false 时会话停止追加
type TakeAllPredicate func(req *traffic.RecordedRequest) bool

// RequestEvent 浏览器即将发出请求
type RequestEvent struct {
	ID       string
	URL      string
	Method   string
	Headers  traffic.Header
	PostData *string
	// Redirect 不为空时表示同一 ID 的上一跳以该响应结束
	Redirect *ResponseEvent
}

// ResponseEvent 收到响应头
type ResponseEvent struct {
	ID         string
	Status     int
	StatusText string
	Headers    traffic.Header
	MimeType   string
}

// Session 一次录制会话，生命周期与页面一致
type Session struct {
	ID        string
	Fragment  string
	takeAll   TakeAllPredicate
	onRequest func(req *traffic.RecordedRequest)
	requests  []*traffic.RecordedRequest
	closed    bool
}

// Recorder 页面级请求录制器
type Recorder struct {
	mu        sync.Mutex
	sessions  []*Session
	inflight  map[string]*traffic.RecordedRequest
	responses map[string]ResponseEvent
	mocked    map[string]bool
	log       logger.Logger
}

// New 创建录制器
func New(l logger.Logger) *Recorder {
	if l == nil {
		l = logger.NewNop()
	}
	return &Recorder{
		inflight:  make(map[string]*traffic.RecordedRequest),
		responses: make(map[string]ResponseEvent),
		mocked:    make(map[string]bool),
		log:       l,
	}
}

// RecordRequestsTo 录制 URL 包含 fragment 的请求
//
// takeAll 为 nil 时录制全部；onRequest 在每次录制时调用一次。
// takeAll 返回 false 后会话关闭，不再追加，页面上的事件订阅保持不变。
func (r *Recorder) RecordRequestsTo(fragment string, takeAll TakeAllPredicate, onRequest func(req *traffic.RecordedRequest)) *Session {
	if takeAll == nil {
		takeAll = func(*traffic.RecordedRequest) bool { return true }
	}
	s := &Session{
		ID:        uuid.NewString(),
		Fragment:  fragment,
		takeAll:   takeAll,
		onRequest: onRequest,
	}

	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()

	r.log.Info("开始录制请求", "session", s.ID, "fragment", fragment)
	return s
}

// RecordedRequestsTo 返回所有 fragment 相同的会话录制到的请求，按录制顺序
func (r *Recorder) RecordedRequestsTo(fragment string) []*traffic.RecordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[*traffic.RecordedRequest]bool)
	out := make([]*traffic.RecordedRequest, 0)
	for _, s := range r.sessions {
		if s.Fragment != fragment {
			continue
		}
		for _, req := range s.requests {
			if !seen[req] {
				seen[req] = true
				out = append(out, req)
			}
		}
	}
	return out
}

// Requests 会话已录制的请求副本
func (r *Recorder) Requests(s *Session) []*traffic.RecordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*traffic.RecordedRequest(nil), s.requests...)
}

// Wants 该请求是否被某个会话录制且尚未结束
func (r *Recorder) Wants(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[id]
	return ok
}

// MarkMocked 标记该请求的响应由 mock 伪造
func (r *Recorder) MarkMocked(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mocked[id] = true
}

type notification struct {
	session *Session
	req     *traffic.RecordedRequest
}

// OnRequestWillBeSent 处理即将发出的请求
func (r *Recorder) OnRequestWillBeSent(ev RequestEvent) {
	if ev.Redirect != nil {
		r.settle(ev.ID, ev.Redirect, "", "")
	}

	r.mu.Lock()
	var (
		rec    *traffic.RecordedRequest
		notify []notification
	)
	for _, s := range r.sessions {
		if s.closed || !strings.Contains(ev.URL, s.Fragment) {
			continue
		}
		if rec == nil {
			rec = traffic.NewRecordedRequest(ev.ID, ev.URL, ev.Method, ev.Headers, ev.PostData)
			r.inflight[ev.ID] = rec
		}
		s.requests = append(s.requests, rec)
		notify = append(notify, notification{session: s, req: rec})
	}
	r.mu.Unlock()

	// 回调与谓词在锁外执行，允许其中读取录制结果
	for _, n := range notify {
		r.log.Debug("录制到请求", "session", n.session.ID, "url", ev.URL, "method", ev.Method)
		if n.session.onRequest != nil {
			n.session.onRequest(n.req)
		}
		if !n.session.takeAll(n.req) {
			r.mu.Lock()
			n.session.closed = true
			r.mu.Unlock()
			r.log.Debug("录制会话停止追加", "session", n.session.ID)
		}
	}
}

// OnResponseReceived 暂存响应头，等待响应体
func (r *Recorder) OnResponseReceived(ev ResponseEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inflight[ev.ID]; ok {
		r.responses[ev.ID] = ev
	}
}

// OnLoadingFinished 响应体就绪，结束该请求
func (r *Recorder) OnLoadingFinished(id, body string) {
	r.mu.Lock()
	meta, ok := r.responses[id]
	r.mu.Unlock()
	if !ok {
		meta = ResponseEvent{ID: id}
	}
	r.settle(id, &meta, body, "")
}

// OnLoadingFailed 网络层失败；已收到响应头时仍保留状态码
func (r *Recorder) OnLoadingFailed(id, errorText string) {
	r.mu.Lock()
	meta, ok := r.responses[id]
	r.mu.Unlock()
	if ok {
		r.settle(id, &meta, "", errorText)
		return
	}
	r.settle(id, nil, "", errorText)
}

// Forget 丢弃未被录制请求的中间状态
func (r *Recorder) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mocked, id)
	delete(r.responses, id)
}

// Close 页面关闭时结束所有未完成的请求，避免等待方一直阻塞
func (r *Recorder) Close(reason string) {
	r.mu.Lock()
	pending := make([]*traffic.RecordedRequest, 0, len(r.inflight))
	for id, req := range r.inflight {
		pending = append(pending, req)
		delete(r.inflight, id)
	}
	r.responses = make(map[string]ResponseEvent)
	r.mocked = make(map[string]bool)
	r.mu.Unlock()

	for _, req := range pending {
		req.Settle(nil, reason)
	}
	if len(pending) > 0 {
		r.log.Warn("页面关闭，结束未完成的录制请求", "count", len(pending))
	}
}

func (r *Recorder) settle(id string, meta *ResponseEvent, body, failure string) {
	r.mu.Lock()
	req, ok := r.inflight[id]
	mocked := r.mocked[id]
	delete(r.inflight, id)
	delete(r.responses, id)
	delete(r.mocked, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	var resp *traffic.RecordedResponse
	if meta != nil && meta.Status != 0 {
		statusText := meta.StatusText
		if statusText == "" {
			statusText = http.StatusText(meta.Status)
		}
		headers := meta.Headers
		if headers == nil {
			headers = make(traffic.Header)
		}
		payload := body
		if !mocked && isHTML(meta) {
			payload = html.EscapeString(body)
		}
		resp = &traffic.RecordedResponse{
			Status:     meta.Status,
			StatusText: statusText,
			Headers:    headers,
			Payload:    payload,
			Mocked:     mocked,
		}
	}
	req.Settle(resp, failure)
	r.log.Debug("录制请求已结束", "url", req.URL, "mocked", mocked, "failure", failure)
}

func isHTML(meta *ResponseEvent) bool {
	if strings.Contains(strings.ToLower(meta.MimeType), "html") {
		return true
	}
	return strings.Contains(strings.ToLower(meta.Headers.Get("content-type")), "html")
}
