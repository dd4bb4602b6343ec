package traffic

// Request 被拦截请求的只读视图，供 mock 规则匹配
type Request struct {
	ID           string
	URL          string
	Method       string
	Headers      Header
	Body         []byte
	ResourceType string            // Document、XHR、Fetch 等
	Query        map[string]string // 键为小写，重复键取第一个值
	Cookies      map[string]string // 键为小写
}

// NewRequest 创建各集合已初始化的请求
func NewRequest() *Request {
	return &Request{
		Headers: make(Header),
		Query:   make(map[string]string),
		Cookies: make(map[string]string),
	}
}

// Text 请求体文本
func (r *Request) Text() string { return string(r.Body) }

// Response mock 伪造的响应
type Response struct {
	StatusCode int
	Headers    Header
	Body       []byte
}

// NewResponse 创建指定状态码的空响应
func NewResponse(status int) *Response {
	return &Response{StatusCode: status, Headers: make(Header)}
}
