package selector

import (
	"encoding/json"
	"fmt"
)

// Chain 不可变的解析步骤序列
//
// 每次链式调用都返回新的 Chain，接收者保持不变，因此任何中间链都可以独立重放。
type Chain struct {
	steps   []Step
	history string
}

// New 以页面级查询开始一条链
func New(css string) Chain {
	return Chain{
		steps:   []Step{QueryAll{Selector: css}},
		history: fmt.Sprintf("selector(%s)", css),
	}
}

// FromSteps 直接由步骤构建链，用于跨边界重建
func FromSteps(steps []Step, history string) Chain {
	return Chain{steps: append([]Step(nil), steps...), history: history}
}

// Steps 返回步骤副本
func (c Chain) Steps() []Step {
	return append([]Step(nil), c.steps...)
}

// String 返回人类可读的链式历史
func (c Chain) String() string {
	return c.history
}

func (c Chain) with(s Step, call string) Chain {
	steps := make([]Step, len(c.steps), len(c.steps)+1)
	copy(steps, c.steps)
	return Chain{
		steps:   append(steps, s),
		history: c.history + "\n  ." + call,
	}
}

// Find 在上一步的每个元素内查询后代
func (c Chain) Find(css string) Chain {
	return c.with(Find{Selector: css}, fmt.Sprintf("find(%s)", css))
}

// WithText 过滤 innerText 包含 text 的元素
func (c Chain) WithText(text string) Chain {
	return c.with(WithText{Text: text}, fmt.Sprintf("withText(%s)", text))
}

// WithValue 过滤 value 包含 text 的元素
func (c Chain) WithValue(text string) Chain {
	return c.with(WithValue{Text: text}, fmt.Sprintf("withValue(%s)", text))
}

// Nth 取第 index 个元素，从 1 开始；-1 取最后一个
func (c Chain) Nth(index int) Chain {
	return c.with(Nth{Index: index}, fmt.Sprintf("nth(%d)", index))
}

// Parent 取父元素
func (c Chain) Parent() Chain {
	return c.with(Parent{}, "parent()")
}

type wireChain struct {
	Actions         []json.RawMessage `json:"actions"`
	ChainingHistory string            `json:"chainingHistory"`
}

// MarshalJSON 序列化为 {actions, chainingHistory}
func (c Chain) MarshalJSON() ([]byte, error) {
	w := wireChain{Actions: make([]json.RawMessage, 0, len(c.steps)), ChainingHistory: c.history}
	for _, s := range c.steps {
		ws, err := encodeStep(s)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(ws)
		if err != nil {
			return nil, err
		}
		w.Actions = append(w.Actions, raw)
	}
	return json.Marshal(w)
}

// UnmarshalJSON 从 {actions, chainingHistory} 原样重建
func (c *Chain) UnmarshalJSON(data []byte) error {
	var w wireChain
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode chain: %w", err)
	}
	steps := make([]Step, 0, len(w.Actions))
	for _, raw := range w.Actions {
		s, err := decodeStep(raw)
		if err != nil {
			return err
		}
		steps = append(steps, s)
	}
	c.steps = steps
	c.history = w.ChainingHistory
	return nil
}

// Parse 解析序列化的链
func Parse(data []byte) (Chain, error) {
	var c Chain
	err := json.Unmarshal(data, &c)
	return c, err
}
