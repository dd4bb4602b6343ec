package mock

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"cdpfluent/pkg/traffic"
)

// ResponseType mock 响应体类型
type ResponseType string

const (
	ResponseJSON   ResponseType = "json"
	ResponseString ResponseType = "string"
)

// Matcher 判断请求是否命中
type Matcher interface {
	Match(req *traffic.Request) bool
}

// Responder 为命中的请求构造响应
type Responder interface {
	Respond(req *traffic.Request) (*traffic.Response, error)
}

// Mock 声明式的响应替身，所有字段均可选
type Mock struct {
	DisplayName   string
	URLMatcher    func(url string) bool
	MethodMatcher func(method string) bool
	// RequestMatcher 额外的整请求条件，与 URL/方法条件取与
	RequestMatcher        func(req *traffic.Request) bool
	ResponseType          ResponseType
	JSONResponse          func() any
	RawResponse           func() string
	Status                int
	EnrichResponseHeaders func(headers traffic.Header) traffic.Header
	DelayInMilliseconds   int
}

// withDefaults 补齐未设置的字段
func (m Mock) withDefaults() Mock {
	if m.DisplayName == "" {
		m.DisplayName = "not set"
	}
	if m.URLMatcher == nil {
		m.URLMatcher = func(string) bool { return false }
	}
	if m.MethodMatcher == nil {
		m.MethodMatcher = func(string) bool { return false }
	}
	if m.ResponseType == "" {
		m.ResponseType = ResponseJSON
	}
	if m.JSONResponse == nil {
		m.JSONResponse = func() any { return map[string]any{} }
	}
	if m.RawResponse == nil {
		m.RawResponse = func() string { return "" }
	}
	if m.Status == 0 {
		m.Status = http.StatusOK
	}
	if m.EnrichResponseHeaders == nil {
		m.EnrichResponseHeaders = func(h traffic.Header) traffic.Header { return h }
	}
	return m
}

// Match URL 与方法条件同时满足才算命中
func (m Mock) Match(req *traffic.Request) bool {
	if !m.URLMatcher(req.URL) || !m.MethodMatcher(req.Method) {
		return false
	}
	return m.RequestMatcher == nil || m.RequestMatcher(req)
}

// Delay 响应前的人为延迟
func (m Mock) Delay() time.Duration {
	if m.DelayInMilliseconds <= 0 {
		return 0
	}
	return time.Duration(m.DelayInMilliseconds) * time.Millisecond
}

// Respond 构造伪造响应
func (m Mock) Respond(_ *traffic.Request) (*traffic.Response, error) {
	res := traffic.NewResponse(m.Status)

	switch m.ResponseType {
	case ResponseJSON:
		body, err := json.Marshal(m.JSONResponse())
		if err != nil {
			return nil, fmt.Errorf("mock '%s': encode json response: %w", m.DisplayName, err)
		}
		res.Body = body
	case ResponseString:
		res.Body = []byte(m.RawResponse())
	default:
		return nil, fmt.Errorf("mock '%s': unsupported response type '%s'", m.DisplayName, m.ResponseType)
	}

	res.Headers = traffic.HeaderFrom(m.EnrichResponseHeaders(DefaultHeaders(m.ResponseType)))
	return res, nil
}

// DefaultHeaders 传给 EnrichResponseHeaders 的默认响应头
func DefaultHeaders(t ResponseType) traffic.Header {
	contentType := "application/json"
	if t == ResponseString {
		contentType = "text/plain"
	}
	return traffic.Header{
		"content-type":                     contentType,
		"access-control-allow-origin":      "*",
		"access-control-allow-credentials": "true",
	}
}
