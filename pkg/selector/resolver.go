package selector

import (
	"context"
	"fmt"

	"cdpfluent/internal/logger"
)

// Handle 页面内 DOM 元素的不透明引用
type Handle struct {
	ObjectID string // 远程对象ID
	NodeID   int64  // 后端节点ID，跨多次解析保持不变
}

// SameElement 两个句柄是否指向同一个 DOM 元素
func (h Handle) SameElement(o Handle) bool {
	if h.NodeID != 0 || o.NodeID != 0 {
		return h.NodeID == o.NodeID
	}
	return h.ObjectID == o.ObjectID
}

// HandleSet 某一时刻执行链得到的有序句柄集合，不做缓存
type HandleSet []Handle

// Visibility 元素可见状态
type Visibility int

const (
	Hidden Visibility = iota
	Visible
	Moving // 处于 CSS 过渡或动画中
)

func (v Visibility) String() string {
	switch v {
	case Visible:
		return "visible"
	case Moving:
		return "moving"
	default:
		return "hidden"
	}
}

// Registry DOM 能力层提供的逐步变换函数
type Registry interface {
	QueryAll(ctx context.Context, css string) (HandleSet, error)
	QueryAllFrom(ctx context.Context, css string, handles HandleSet) (HandleSet, error)
	WithText(ctx context.Context, text string, handles HandleSet) (HandleSet, error)
	WithValue(ctx context.Context, text string, handles HandleSet) (HandleSet, error)
	Parents(ctx context.Context, handles HandleSet) (HandleSet, error)
	// Visibility 必须接受 nil 句柄并返回 Hidden
	Visibility(ctx context.Context, h *Handle) (Visibility, error)
}

// Resolver 按顺序解释链中的步骤
type Resolver struct {
	reg Registry
	log logger.Logger
}

// NewResolver 创建解析器
func NewResolver(reg Registry, l logger.Logger) *Resolver {
	if l == nil {
		l = logger.NewNop()
	}
	return &Resolver{reg: reg, log: l}
}

// Resolve 执行整条链；结果为空是正常情况，不返回错误
func (r *Resolver) Resolve(ctx context.Context, c Chain) (HandleSet, error) {
	if len(c.steps) == 0 {
		return nil, ErrChainNotRooted
	}
	if _, ok := c.steps[0].(QueryAll); !ok {
		return nil, fmt.Errorf("%w: first action is '%s'", ErrChainNotRooted, c.steps[0].Name())
	}

	var handles HandleSet
	for i, s := range c.steps {
		next, err := r.apply(ctx, i, s, handles)
		if err != nil {
			return nil, err
		}
		handles = next
	}
	r.log.Debug("选择器解析完成", "selector", c.history, "count", len(handles))
	return handles, nil
}

func (r *Resolver) apply(ctx context.Context, index int, s Step, handles HandleSet) (HandleSet, error) {
	switch v := s.(type) {
	case QueryAll:
		if index != 0 {
			return nil, fmt.Errorf("%w: page query at position %d", ErrChainNotRooted, index+1)
		}
		return r.reg.QueryAll(ctx, v.Selector)
	case Find:
		return r.reg.QueryAllFrom(ctx, v.Selector, handles)
	case WithText:
		return r.reg.WithText(ctx, v.Text, handles)
	case WithValue:
		return r.reg.WithValue(ctx, v.Text, handles)
	case Nth:
		return nth(v.Index, handles), nil
	case Parent:
		return r.reg.Parents(ctx, handles)
	default:
		return nil, fmt.Errorf("%w: action '%s' is not yet implemented", ErrUnimplementedAction, s.Name())
	}
}

// nth 从 1 开始取元素，-1 取最后一个，越界或 0 返回空集合
func nth(index int, handles HandleSet) HandleSet {
	switch {
	case index == -1 && len(handles) > 0:
		return HandleSet{handles[len(handles)-1]}
	case index >= 1 && index <= len(handles):
		return HandleSet{handles[index-1]}
	default:
		return HandleSet{}
	}
}

// First 返回第一个元素，不存在时返回 nil
func (r *Resolver) First(ctx context.Context, c Chain) (*Handle, error) {
	handles, err := r.Resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(handles) == 0 {
		return nil, nil
	}
	h := handles[0]
	return &h, nil
}

// Count 返回匹配元素数量
func (r *Resolver) Count(ctx context.Context, c Chain) (int, error) {
	handles, err := r.Resolve(ctx, c)
	if err != nil {
		return 0, err
	}
	return len(handles), nil
}

// Exists 是否至少匹配一个元素
func (r *Resolver) Exists(ctx context.Context, c Chain) (bool, error) {
	h, err := r.First(ctx, c)
	return h != nil, err
}

// VisibilityOf 对第一个元素做可见性检查，每次调用都重新解析
func (r *Resolver) VisibilityOf(ctx context.Context, c Chain) (Visibility, error) {
	h, err := r.First(ctx, c)
	if err != nil {
		return Hidden, err
	}
	return r.reg.Visibility(ctx, h)
}

// IsVisible 第一个元素可见且没有在移动
func (r *Resolver) IsVisible(ctx context.Context, c Chain) (bool, error) {
	v, err := r.VisibilityOf(ctx, c)
	return v == Visible, err
}

// IsNotVisible 第一个元素不存在或不可见；移动中的元素既不算可见也不算不可见
func (r *Resolver) IsNotVisible(ctx context.Context, c Chain) (bool, error) {
	v, err := r.VisibilityOf(ctx, c)
	return err == nil && v == Hidden, err
}
