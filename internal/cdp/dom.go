package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/mafredri/cdp/protocol/dom"
	"github.com/mafredri/cdp/protocol/runtime"

	"cdpfluent/pkg/selector"
)

const (
	queryAllFn = `function(css) { return Array.from(document.querySelectorAll(css)); }`
	findFn     = `function(css, ...els) {
	const out = [];
	for (const el of els) for (const c of el.querySelectorAll(css)) if (!out.includes(c)) out.push(c);
	return out;
}`
	withTextFn  = `function(text, ...els) { return els.filter(el => (el.innerText || el.textContent || '').includes(text)); }`
	withValueFn = `function(text, ...els) { return els.filter(el => typeof el.value === 'string' && el.value.includes(text)); }`
	parentFn    = `function(...els) { return els.map(el => el.parentElement).filter(Boolean); }`
	visibleFn   = `function() {
	if (!this.isConnected) return 'hidden';
	const style = getComputedStyle(this);
	if (style.display === 'none' || style.visibility === 'hidden' || Number(style.opacity) === 0) return 'hidden';
	const rect = this.getBoundingClientRect();
	if (rect.width === 0 && rect.height === 0) return 'hidden';
	if (this.getAnimations && this.getAnimations().some(a => a.playState === 'running')) return 'moving';
	return 'visible';
}`
)

// keptGroups 保留最近几轮解析的对象组，更早的在新一轮解析开始时释放
const keptGroups = 2

type runtimeAPI interface {
	Evaluate(ctx context.Context, args *runtime.EvaluateArgs) (*runtime.EvaluateReply, error)
	CallFunctionOn(ctx context.Context, args *runtime.CallFunctionOnArgs) (*runtime.CallFunctionOnReply, error)
	GetProperties(ctx context.Context, args *runtime.GetPropertiesArgs) (*runtime.GetPropertiesReply, error)
	ReleaseObjectGroup(ctx context.Context, args *runtime.ReleaseObjectGroupArgs) error
}

type domAPI interface {
	DescribeNode(ctx context.Context, args *dom.DescribeNodeArgs) (*dom.DescribeNodeReply, error)
}

// Registry 通过 Runtime 在页面内执行查询，实现 selector.Registry
//
// 每轮解析产生的远程对象归入独立的对象组。
type Registry struct {
	rt  runtimeAPI
	dom domAPI

	mu     sync.Mutex
	gen    int
	groups []string // 存活的对象组，旧的在前
}

var _ selector.Registry = (*Registry)(nil)

// NewRegistry 创建元素注册表
func NewRegistry(rt runtimeAPI, d domAPI) *Registry {
	return &Registry{rt: rt, dom: d}
}

// QueryAll 开启新一轮解析
func (r *Registry) QueryAll(ctx context.Context, css string) (selector.HandleSet, error) {
	group, stale := r.rotate()
	_ = r.release(ctx, stale)

	expr := fmt.Sprintf("(%s)(%s)", queryAllFn, jsString(css))
	reply, err := r.rt.Evaluate(ctx, runtime.NewEvaluateArgs(expr).SetObjectGroup(group))
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", css, err)
	}
	if reply.ExceptionDetails != nil {
		return nil, fmt.Errorf("query %q: %s", css, reply.ExceptionDetails.Text)
	}
	return r.handlesOf(ctx, reply.Result)
}

func (r *Registry) QueryAllFrom(ctx context.Context, css string, handles selector.HandleSet) (selector.HandleSet, error) {
	return r.callOn(ctx, findFn, []any{css}, handles)
}

func (r *Registry) WithText(ctx context.Context, text string, handles selector.HandleSet) (selector.HandleSet, error) {
	return r.callOn(ctx, withTextFn, []any{text}, handles)
}

func (r *Registry) WithValue(ctx context.Context, text string, handles selector.HandleSet) (selector.HandleSet, error) {
	return r.callOn(ctx, withValueFn, []any{text}, handles)
}

func (r *Registry) Parents(ctx context.Context, handles selector.HandleSet) (selector.HandleSet, error) {
	return r.callOn(ctx, parentFn, nil, handles)
}

func (r *Registry) Visibility(ctx context.Context, h *selector.Handle) (selector.Visibility, error) {
	if h == nil || h.ObjectID == "" {
		return selector.Hidden, nil
	}
	args := runtime.NewCallFunctionOnArgs(visibleFn).
		SetObjectID(runtime.RemoteObjectID(h.ObjectID)).
		SetReturnByValue(true)
	reply, err := r.rt.CallFunctionOn(ctx, args)
	if err != nil {
		return selector.Hidden, fmt.Errorf("check visibility: %w", err)
	}
	if reply.ExceptionDetails != nil {
		// 元素已被移除时远程对象失效，按不可见处理
		return selector.Hidden, nil
	}
	var state string
	if err := json.Unmarshal(reply.Result.Value, &state); err != nil {
		return selector.Hidden, fmt.Errorf("decode visibility: %w", err)
	}
	switch state {
	case "visible":
		return selector.Visible, nil
	case "moving":
		return selector.Moving, nil
	default:
		return selector.Hidden, nil
	}
}

// callOn 以第一个句柄为 this 调用页面函数，参数依次为 lead 与全部句柄
func (r *Registry) callOn(ctx context.Context, fn string, lead []any, handles selector.HandleSet) (selector.HandleSet, error) {
	if len(handles) == 0 {
		return selector.HandleSet{}, nil
	}
	args := make([]runtime.CallArgument, 0, len(lead)+len(handles))
	for _, v := range lead {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		args = append(args, runtime.CallArgument{Value: raw})
	}
	for _, h := range handles {
		id := runtime.RemoteObjectID(h.ObjectID)
		args = append(args, runtime.CallArgument{ObjectID: &id})
	}

	reply, err := r.rt.CallFunctionOn(ctx, runtime.NewCallFunctionOnArgs(fn).
		SetObjectID(runtime.RemoteObjectID(handles[0].ObjectID)).
		SetArguments(args).
		SetObjectGroup(r.current()))
	if err != nil {
		return nil, fmt.Errorf("call function: %w", err)
	}
	if reply.ExceptionDetails != nil {
		return nil, fmt.Errorf("call function: %s", reply.ExceptionDetails.Text)
	}
	return r.handlesOf(ctx, reply.Result)
}

// handlesOf 将远程数组展开为句柄，并用后端节点ID标识元素
func (r *Registry) handlesOf(ctx context.Context, arr runtime.RemoteObject) (selector.HandleSet, error) {
	if arr.ObjectID == nil {
		return selector.HandleSet{}, nil
	}
	props, err := r.rt.GetProperties(ctx, runtime.NewGetPropertiesArgs(*arr.ObjectID).SetOwnProperties(true))
	if err != nil {
		return nil, fmt.Errorf("read array: %w", err)
	}

	type indexed struct {
		i int
		h selector.Handle
	}
	items := make([]indexed, 0, len(props.Result))
	for _, p := range props.Result {
		i, err := strconv.Atoi(p.Name)
		if err != nil || p.Value == nil || p.Value.ObjectID == nil {
			continue
		}
		h := selector.Handle{ObjectID: string(*p.Value.ObjectID)}
		node, err := r.dom.DescribeNode(ctx, dom.NewDescribeNodeArgs().SetObjectID(*p.Value.ObjectID))
		if err == nil {
			h.NodeID = int64(node.Node.BackendNodeID)
		}
		items = append(items, indexed{i: i, h: h})
	}
	sort.Slice(items, func(a, b int) bool { return items[a].i < items[b].i })

	out := make(selector.HandleSet, 0, len(items))
	for _, it := range items {
		out = append(out, it.h)
	}
	return out, nil
}

func groupName(gen int) string { return "cdpfluent-selector-" + strconv.Itoa(gen) }

// rotate 开启新的对象组，返回超出保留数量的旧组
func (r *Registry) rotate() (string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.groups = append(r.groups, groupName(r.gen))
	var stale []string
	if n := len(r.groups) - keptGroups; n > 0 {
		stale = append(stale, r.groups[:n]...)
		r.groups = append([]string(nil), r.groups[n:]...)
	}
	return r.groups[len(r.groups)-1], stale
}

// current 当前对象组；尚未开始任何解析时创建第一个
func (r *Registry) current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.groups) == 0 {
		r.gen++
		r.groups = append(r.groups, groupName(r.gen))
	}
	return r.groups[len(r.groups)-1]
}

// release 释放给定的对象组
func (r *Registry) release(ctx context.Context, groups []string) error {
	var errs []error
	for _, g := range groups {
		if err := r.rt.ReleaseObjectGroup(ctx, runtime.NewReleaseObjectGroupArgs(g)); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", g, err))
		}
	}
	return errors.Join(errs...)
}

// Release 释放全部对象组，页面关闭时调用
func (r *Registry) Release(ctx context.Context) error {
	r.mu.Lock()
	groups := r.groups
	r.groups = nil
	r.mu.Unlock()
	return r.release(ctx, groups)
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
