package rules

import (
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"cdpfluent/pkg/mock"
	"cdpfluent/pkg/traffic"
)

// regexCache 已编译正则缓存，规则在每个请求上反复求值
var regexCache sync.Map

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if v, ok := regexCache.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// Engine 持有当前规则集编译出的 mock，作为动态来源接入路由器
type Engine struct {
	mu    sync.RWMutex
	mocks []mock.Mock
}

var _ mock.Source = (*Engine)(nil)

// New 创建空的规则引擎
func New() *Engine { return &Engine{} }

// Update 校验并编译新规则集后整体替换；失败时保留原规则
func (e *Engine) Update(rs RuleSet) error {
	mocks, err := Compile(rs)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.mocks = mocks
	e.mu.Unlock()
	return nil
}

// Mocks 当前规则对应的 mock，按声明顺序
func (e *Engine) Mocks() []mock.Mock {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.mocks)
}

// MatchRequest 判断请求是否满足条件组合
func MatchRequest(req *traffic.Request, m Match) bool {
	if len(m.AllOf) > 0 && !allOf(req, m.AllOf) {
		return false
	}
	if len(m.AnyOf) > 0 && !anyOf(req, m.AnyOf) {
		return false
	}
	if len(m.NoneOf) > 0 && anyOf(req, m.NoneOf) {
		return false
	}
	return true
}

func allOf(req *traffic.Request, cs []Condition) bool {
	for i := range cs {
		if !cond(req, cs[i]) {
			return false
		}
	}
	return true
}

func anyOf(req *traffic.Request, cs []Condition) bool {
	for i := range cs {
		if cond(req, cs[i]) {
			return true
		}
	}
	return false
}

func cond(req *traffic.Request, c Condition) bool {
	switch c.Type {
	case ConditionURL:
		return matchURL(req.URL, c.Mode, c.Pattern)
	case ConditionMethod:
		for _, v := range c.Values {
			if strings.EqualFold(req.Method, v) {
				return true
			}
		}
		return false
	case ConditionHeader:
		v := req.Headers.Get(c.Key)
		if v == "" {
			return false
		}
		return compare(v, c.Op, c.Value)
	case ConditionQuery:
		v, ok := req.Query[strings.ToLower(c.Key)]
		if !ok {
			return false
		}
		return compare(v, c.Op, c.Value)
	case ConditionCookie:
		v, ok := req.Cookies[strings.ToLower(c.Key)]
		if !ok {
			return false
		}
		return compare(v, c.Op, c.Value)
	case ConditionText:
		if len(req.Body) == 0 {
			return false
		}
		return compare(req.Text(), c.Op, c.Value)
	case ConditionJSON:
		if len(req.Body) == 0 || !gjson.ValidBytes(req.Body) {
			return false
		}
		res := gjson.GetBytes(req.Body, c.Path)
		if !res.Exists() {
			return false
		}
		v := res.String()
		if res.IsObject() || res.IsArray() {
			v = res.Raw
		}
		return compare(v, c.Op, c.Value)
	default:
		return false
	}
}

func compare(v string, op ConditionOp, want string) bool {
	switch op {
	case OpEquals:
		return v == want
	case OpContains:
		return strings.Contains(v, want)
	case OpRegex:
		return matchRegex(v, want)
	default:
		return true
	}
}

func matchURL(url string, mode URLMode, pattern string) bool {
	switch mode {
	case URLExact:
		return url == pattern
	case URLPrefix:
		return strings.HasPrefix(url, pattern)
	case URLContains:
		return strings.Contains(url, pattern)
	case URLRegex:
		return matchRegex(url, pattern)
	default:
		return glob(url, pattern)
	}
}

func matchRegex(s, pattern string) bool {
	re, err := compileRegex(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// glob 仅支持首尾的 * 通配
func glob(s, pattern string) bool {
	if pattern == "*" {
		return true
	}
	prefix := strings.HasPrefix(pattern, "*")
	suffix := strings.HasSuffix(pattern, "*")
	core := strings.Trim(pattern, "*")
	switch {
	case prefix && suffix:
		return strings.Contains(s, core)
	case prefix:
		return strings.HasSuffix(s, core)
	case suffix:
		return strings.HasPrefix(s, core)
	default:
		return s == pattern
	}
}
