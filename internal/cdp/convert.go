package cdp

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	"cdpfluent/internal/recorder"
	"cdpfluent/pkg/traffic"
)

// ToNeutralRequest 将拦截事件转换为中立 Request 模型
func ToNeutralRequest(ev *fetch.RequestPausedReply) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = string(ev.RequestID)
	req.URL = ev.Request.URL
	req.Method = ev.Request.Method
	req.ResourceType = string(ev.ResourceType)
	req.Headers = headersFrom(ev.Request.Headers)
	if ev.Request.PostData != nil {
		req.Body = []byte(*ev.Request.PostData)
	}
	req.Query = ParseQuery(req.URL)
	req.Cookies = ParseCookie(req.Headers.Get("cookie"))
	return req
}

// ParseQuery 解析查询参数，键统一小写，重复键取第一个值
func ParseQuery(raw string) map[string]string {
	out := make(map[string]string)
	u, err := url.Parse(raw)
	if err != nil {
		return out
	}
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			out[strings.ToLower(k)] = vs[0]
		}
	}
	return out
}

// ParseCookie 解析 Cookie 请求头
func ParseCookie(header string) map[string]string {
	out := make(map[string]string)
	if header == "" {
		return out
	}
	for _, pair := range strings.Split(header, ";") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) == 2 && kv[0] != "" {
			out[strings.ToLower(kv[0])] = kv[1]
		}
	}
	return out
}

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目，按名称排序
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// headersFrom 解析 CDP Headers 对象；值非字符串时按 JSON 文本保存
func headersFrom(raw network.Headers) traffic.Header {
	h := make(traffic.Header)
	if len(raw) == 0 {
		return h
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return h
	}
	for k, v := range m {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			s = string(v)
		}
		h.Set(k, s)
	}
	return h
}

// toRequestEvent 将 Network.requestWillBeSent 转换为录制事件
func toRequestEvent(ev *network.RequestWillBeSentReply) recorder.RequestEvent {
	out := recorder.RequestEvent{
		ID:       string(ev.RequestID),
		URL:      ev.Request.URL,
		Method:   ev.Request.Method,
		Headers:  headersFrom(ev.Request.Headers),
		PostData: ev.Request.PostData,
	}
	if ev.RedirectResponse != nil {
		redirect := toResponseEvent(ev.RequestID, *ev.RedirectResponse)
		out.Redirect = &redirect
	}
	return out
}

// toResponseEvent 将 Network.Response 转换为录制事件
func toResponseEvent(id network.RequestID, resp network.Response) recorder.ResponseEvent {
	return recorder.ResponseEvent{
		ID:         string(id),
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Headers:    headersFrom(resp.Headers),
		MimeType:   resp.MimeType,
	}
}
