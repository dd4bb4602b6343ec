package selector

import "context"

// Selector 绑定了解析器的链，提供流式调用
type Selector struct {
	chain Chain
	r     *Resolver
}

// Select 以页面级查询开始一个绑定选择器
func (r *Resolver) Select(css string) Selector {
	return Selector{chain: New(css), r: r}
}

// Bind 将已有的链（例如反序列化得到的）绑定到解析器
func (r *Resolver) Bind(c Chain) Selector {
	return Selector{chain: c, r: r}
}

func (s Selector) Chain() Chain   { return s.chain }
func (s Selector) String() string { return s.chain.String() }

func (s Selector) Find(css string) Selector {
	return Selector{chain: s.chain.Find(css), r: s.r}
}

func (s Selector) WithText(text string) Selector {
	return Selector{chain: s.chain.WithText(text), r: s.r}
}

func (s Selector) WithValue(text string) Selector {
	return Selector{chain: s.chain.WithValue(text), r: s.r}
}

func (s Selector) Nth(index int) Selector {
	return Selector{chain: s.chain.Nth(index), r: s.r}
}

func (s Selector) Parent() Selector {
	return Selector{chain: s.chain.Parent(), r: s.r}
}

func (s Selector) All(ctx context.Context) (HandleSet, error) { return s.r.Resolve(ctx, s.chain) }

func (s Selector) First(ctx context.Context) (*Handle, error) { return s.r.First(ctx, s.chain) }

func (s Selector) Count(ctx context.Context) (int, error) { return s.r.Count(ctx, s.chain) }

func (s Selector) Exists(ctx context.Context) (bool, error) { return s.r.Exists(ctx, s.chain) }

func (s Selector) IsVisible(ctx context.Context) (bool, error) { return s.r.IsVisible(ctx, s.chain) }

func (s Selector) IsNotVisible(ctx context.Context) (bool, error) {
	return s.r.IsNotVisible(ctx, s.chain)
}
