package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"cdpfluent/pkg/mock"
	"cdpfluent/pkg/traffic"
)

var (
	ErrEmptyMatch      = errors.New("rule has no conditions")
	ErrInvalidRegex    = errors.New("invalid regex")
	ErrInvalidJSONBody = errors.New("json response body is not valid json")
	ErrUnknownType     = errors.New("unknown condition type")
)

// Load 从 YAML 文件读取规则集
func Load(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("failed to read rules: %w", err)
	}
	return Parse(data)
}

// Parse 解析并校验 YAML 规则集
func Parse(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("failed to parse rules: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// Validate 校验所有规则
func (rs RuleSet) Validate() error {
	for i, r := range rs.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
	}
	return nil
}

// Validate 校验单条规则
func (r Rule) Validate() error {
	all := make([]Condition, 0, len(r.Match.AllOf)+len(r.Match.AnyOf)+len(r.Match.NoneOf))
	all = append(all, r.Match.AllOf...)
	all = append(all, r.Match.AnyOf...)
	all = append(all, r.Match.NoneOf...)
	if len(all) == 0 {
		return ErrEmptyMatch
	}
	for _, c := range all {
		switch c.Type {
		case ConditionURL, ConditionMethod, ConditionHeader, ConditionQuery,
			ConditionCookie, ConditionText, ConditionJSON:
		default:
			return fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
		}
		if c.Type == ConditionURL && c.Mode == URLRegex {
			if _, err := compileRegex(c.Pattern); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidRegex, err)
			}
		}
		if c.Op == OpRegex {
			if _, err := compileRegex(c.Value); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidRegex, err)
			}
		}
	}
	if r.responseType() == mock.ResponseJSON && r.Respond.Body != "" && !gjson.Valid(r.Respond.Body) {
		return ErrInvalidJSONBody
	}
	return nil
}

func (r Rule) responseType() mock.ResponseType {
	if strings.EqualFold(r.Respond.Type, string(mock.ResponseString)) {
		return mock.ResponseString
	}
	return mock.ResponseJSON
}

// Compile 将规则集转换为按声明顺序排列的 mock
func Compile(rs RuleSet) ([]mock.Mock, error) {
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	mocks := make([]mock.Mock, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		mocks = append(mocks, r.Mock())
	}
	return mocks, nil
}

// Mock 将单条规则转换为 mock
//
// allOf 中的 url、method 条件分别成为 URL 与方法匹配器，其余条件作为整请求匹配器；
// 没有对应条件时该维度视为任意。
func (r Rule) Mock() mock.Mock {
	var urlConds, methodConds, rest []Condition
	for _, c := range r.Match.AllOf {
		switch c.Type {
		case ConditionURL:
			urlConds = append(urlConds, c)
		case ConditionMethod:
			methodConds = append(methodConds, c)
		default:
			rest = append(rest, c)
		}
	}
	restMatch := Match{AllOf: rest, AnyOf: r.Match.AnyOf, NoneOf: r.Match.NoneOf}

	m := mock.Mock{
		DisplayName: r.Name,
		URLMatcher: func(url string) bool {
			return allOf(&traffic.Request{URL: url}, urlConds)
		},
		MethodMatcher: func(method string) bool {
			return allOf(&traffic.Request{Method: method}, methodConds)
		},
		ResponseType:        r.responseType(),
		Status:              r.Respond.Status,
		DelayInMilliseconds: r.Respond.DelayMS,
	}
	if len(restMatch.AllOf)+len(restMatch.AnyOf)+len(restMatch.NoneOf) > 0 {
		m.RequestMatcher = func(req *traffic.Request) bool { return MatchRequest(req, restMatch) }
	}

	body := r.Respond.Body
	if m.ResponseType == mock.ResponseJSON {
		if body == "" {
			body = "{}"
		}
		raw := json.RawMessage(body)
		m.JSONResponse = func() any { return raw }
	} else {
		m.RawResponse = func() string { return body }
	}

	set := r.Respond.Headers
	remove := r.Respond.RemoveHeaders
	if len(set) > 0 || len(remove) > 0 {
		m.EnrichResponseHeaders = func(h traffic.Header) traffic.Header {
			for k, v := range set {
				h.Set(k, v)
			}
			for _, k := range remove {
				h.Del(k)
			}
			return h
		}
	}
	return m
}
