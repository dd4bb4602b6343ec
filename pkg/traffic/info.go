package traffic

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RequestInfo 已结束请求的可序列化视图
type RequestInfo struct {
	URL      string
	Method   string
	Headers  Header
	PostData *string
	Response *ResponseInfo
	Failure  string
}

// ResponseInfo 响应部分
type ResponseInfo struct {
	Status     int
	StatusText string
	Headers    Header
	Payload    string
}

// Info 等待交换结束后生成 RequestInfo
func (r *RecordedRequest) Info(ctx context.Context) (RequestInfo, error) {
	if err := r.Wait(ctx); err != nil {
		return RequestInfo{}, err
	}
	info := RequestInfo{
		URL:      r.URL,
		Method:   r.Method,
		Headers:  r.Headers.Clone(),
		PostData: r.PostData,
		Failure:  r.failure,
	}
	if r.response != nil {
		info.Response = &ResponseInfo{
			Status:     r.response.Status,
			StatusText: r.response.StatusText,
			Headers:    r.response.Headers.Clone(),
			Payload:    r.response.Payload,
		}
	}
	return info, nil
}

// Stringify 等待交换结束后输出 JSON
func Stringify(ctx context.Context, r *RecordedRequest) ([]byte, error) {
	info, err := r.Info(ctx)
	if err != nil {
		return nil, err
	}
	return info.MarshalJSON()
}

// MarshalJSON 输出 {url, method, headers, postData, response?}
// postData 与 payload 为合法 JSON 时原样嵌入，否则作为字符串
func (i RequestInfo) MarshalJSON() ([]byte, error) {
	doc := []byte(`{}`)
	var err error

	if doc, err = sjson.SetBytes(doc, "url", i.URL); err != nil {
		return nil, err
	}
	if doc, err = sjson.SetBytes(doc, "method", i.Method); err != nil {
		return nil, err
	}
	if doc, err = sjson.SetBytes(doc, "headers", headerOrEmpty(i.Headers)); err != nil {
		return nil, err
	}
	if i.PostData != nil {
		if doc, err = setValue(doc, "postData", *i.PostData); err != nil {
			return nil, err
		}
	}
	if i.Failure != "" {
		if doc, err = sjson.SetBytes(doc, "failure", i.Failure); err != nil {
			return nil, err
		}
	}
	if i.Response == nil {
		return doc, nil
	}

	if doc, err = sjson.SetBytes(doc, "response.status", i.Response.Status); err != nil {
		return nil, err
	}
	if doc, err = sjson.SetBytes(doc, "response.statusText", i.Response.StatusText); err != nil {
		return nil, err
	}
	if doc, err = sjson.SetBytes(doc, "response.headers", headerOrEmpty(i.Response.Headers)); err != nil {
		return nil, err
	}
	return setValue(doc, "response.payload", i.Response.Payload)
}

func setValue(doc []byte, path, value string) ([]byte, error) {
	if IsJSON(value) {
		return sjson.SetRawBytes(doc, path, []byte(value))
	}
	return sjson.SetBytes(doc, path, value)
}

// IsJSON 判断文本是否为非空的合法 JSON
func IsJSON(s string) bool {
	return strings.TrimSpace(s) != "" && gjson.Valid(s)
}

func headerOrEmpty(h Header) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}
