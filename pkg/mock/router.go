package mock

import (
	"context"
	"sync"
	"time"

	"cdpfluent/internal/logger"
	"cdpfluent/pkg/model"
	"cdpfluent/pkg/traffic"
)

// Decision 路由结果；Response 为 nil 表示放行到真实网络
type Decision struct {
	Rule     string
	Response *traffic.Response
	Waited   time.Duration
}

// Mocked 是否由规则伪造响应
func (d Decision) Mocked() bool { return d.Response != nil }

// Source 动态规则来源，路由时读取其当前规则
type Source interface {
	Mocks() []Mock
}

// entry 静态规则或动态来源，二者按注册顺序排列
type entry struct {
	mock   Mock
	source Source
}

func (e entry) mocks() []Mock {
	if e.source == nil {
		return []Mock{e.mock}
	}
	ms := e.source.Mocks()
	for i := range ms {
		ms[i] = ms[i].withDefaults()
	}
	return ms
}

// Router 按注册顺序匹配 mock 规则
type Router struct {
	mu      sync.RWMutex
	entries []entry
	stats   model.RouterStats
	log     logger.Logger
}

// NewRouter 创建路由器
func NewRouter(l logger.Logger) *Router {
	if l == nil {
		l = logger.NewNop()
	}
	return &Router{
		log:   l,
		stats: model.RouterStats{ByRule: make(map[string]int64)},
	}
}

// Add 追加规则，多次调用保持注册顺序
func (r *Router) Add(mocks ...Mock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range mocks {
		r.entries = append(r.entries, entry{mock: m.withDefaults()})
	}
	r.log.Debug("加载 mock 规则", "added", len(mocks), "entries", len(r.entries))
}

// AddSource 追加动态来源，其规则占据注册时的位置，内容随来源更新
func (r *Router) AddSource(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{source: src})
	r.log.Debug("接入动态 mock 规则来源", "entries", len(r.entries))
}

// Len 当前生效的规则数量
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		n += len(e.mocks())
	}
	return n
}

// Stats 返回统计信息副本
func (r *Router) Stats() model.RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := model.RouterStats{Total: r.stats.Total, Mocked: r.stats.Mocked, ByRule: make(map[string]int64, len(r.stats.ByRule))}
	for k, v := range r.stats.ByRule {
		out.ByRule[k] = v
	}
	return out
}

// Match 返回第一条命中的规则
func (r *Router) Match(req *traffic.Request) (Mock, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		for _, m := range e.mocks() {
			if m.Match(req) {
				return m, true
			}
		}
	}
	return Mock{}, false
}

// Route 为请求做出决定；命中时先等待规则延迟再构造响应
func (r *Router) Route(ctx context.Context, req *traffic.Request) (Decision, error) {
	m, ok := r.Match(req)

	r.mu.Lock()
	r.stats.Total++
	if ok {
		r.stats.Mocked++
		r.stats.ByRule[m.DisplayName]++
	}
	r.mu.Unlock()

	if !ok {
		r.log.Debug("无匹配 mock 规则，放行请求", "url", req.URL, "method", req.Method)
		return Decision{}, nil
	}

	start := time.Now()
	if d := m.Delay(); d > 0 {
		r.log.Debug("延迟 mock 响应", "rule", m.DisplayName, "delay", d)
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return Decision{Rule: m.DisplayName}, context.Cause(ctx)
		}
	}

	res, err := m.Respond(req)
	if err != nil {
		return Decision{Rule: m.DisplayName}, err
	}
	r.log.Info("请求已被 mock", "rule", m.DisplayName, "url", req.URL, "status", res.StatusCode)
	return Decision{Rule: m.DisplayName, Response: res, Waited: time.Since(start)}, nil
}
