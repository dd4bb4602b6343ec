package selector

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrChainNotRooted 链的第一步不是页面级查询
	ErrChainNotRooted = errors.New("selector chain must start with a page query")
	// ErrUnimplementedAction 无法识别的步骤
	ErrUnimplementedAction = errors.New("unimplemented action")
)

// StepName 步骤在序列化形式中的名称
type StepName string

const (
	StepQueryAll  StepName = "querySelectorAllInPage"
	StepFind      StepName = "find"
	StepWithText  StepName = "withText"
	StepWithValue StepName = "withValue"
	StepNth       StepName = "nth"
	StepParent    StepName = "parent"
)

// Step 链中的一个不可变步骤，只有本包内的类型可以实现
type Step interface {
	Name() StepName
	step()
}

// QueryAll 在整个页面内查询，必须是链的第一步
type QueryAll struct{ Selector string }

// Find 在上一步每个元素内查询后代
type Find struct{ Selector string }

// WithText 保留 innerText 包含 Text 的元素
type WithText struct{ Text string }

// WithValue 保留 value 包含 Text 的元素
type WithValue struct{ Text string }

// Nth 取上一步第 Index 个元素（从 1 开始，-1 表示最后一个）
type Nth struct{ Index int }

// Parent 取上一步每个元素的父元素
type Parent struct{}

func (QueryAll) Name() StepName  { return StepQueryAll }
func (Find) Name() StepName      { return StepFind }
func (WithText) Name() StepName  { return StepWithText }
func (WithValue) Name() StepName { return StepWithValue }
func (Nth) Name() StepName       { return StepNth }
func (Parent) Name() StepName    { return StepParent }

func (QueryAll) step()  {}
func (Find) step()      {}
func (WithText) step()  {}
func (WithValue) step() {}
func (Nth) step()       {}
func (Parent) step()    {}

type wireStep struct {
	Name     StepName `json:"name"`
	Selector *string  `json:"selector,omitempty"`
	Text     *string  `json:"text,omitempty"`
	Index    *int     `json:"index,omitempty"`
}

func encodeStep(s Step) (wireStep, error) {
	w := wireStep{Name: s.Name()}
	switch v := s.(type) {
	case QueryAll:
		w.Selector = &v.Selector
	case Find:
		w.Selector = &v.Selector
	case WithText:
		w.Text = &v.Text
	case WithValue:
		w.Text = &v.Text
	case Nth:
		w.Index = &v.Index
	case Parent:
	default:
		return w, fmt.Errorf("%w: %T", ErrUnimplementedAction, s)
	}
	return w, nil
}

func decodeStep(raw json.RawMessage) (Step, error) {
	var w wireStep
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	switch w.Name {
	case StepQueryAll:
		return QueryAll{Selector: deref(w.Selector)}, nil
	case StepFind:
		return Find{Selector: deref(w.Selector)}, nil
	case StepWithText:
		return WithText{Text: deref(w.Text)}, nil
	case StepWithValue:
		return WithValue{Text: deref(w.Text)}, nil
	case StepNth:
		if w.Index == nil {
			return nil, fmt.Errorf("decode action: nth without index")
		}
		return Nth{Index: *w.Index}, nil
	case StepParent:
		return Parent{}, nil
	default:
		return nil, fmt.Errorf("%w: action '%s' is not yet implemented", ErrUnimplementedAction, w.Name)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
