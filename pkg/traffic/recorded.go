package traffic

import (
	"context"
	"sync"
	"time"
)

// RecordedResponse 已结束交换的响应快照
type RecordedResponse struct {
	Status     int
	StatusText string
	Headers    Header
	Payload    string
	Mocked     bool // 响应由 mock 规则伪造
}

// RecordedRequest 录制到的一次请求
//
// 请求字段在创建时即确定；响应字段在交换结束（真实或 mock）后异步填充，
// 填充后不再变化。读取响应前必须先等待 Settled。
type RecordedRequest struct {
	ID        string
	URL       string
	Method    string
	Headers   Header
	PostData  *string
	StartedAt time.Time

	once     sync.Once
	done     chan struct{}
	response *RecordedResponse
	failure  string
	endedAt  time.Time
}

// NewRecordedRequest 创建尚未结束的录制请求
func NewRecordedRequest(id, url, method string, headers Header, postData *string) *RecordedRequest {
	if headers == nil {
		headers = make(Header)
	}
	return &RecordedRequest{
		ID:        id,
		URL:       url,
		Method:    method,
		Headers:   headers,
		PostData:  postData,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Settle 写入最终结果，只有第一次调用生效
func (r *RecordedRequest) Settle(resp *RecordedResponse, failure string) bool {
	settled := false
	r.once.Do(func() {
		r.response = resp
		r.failure = failure
		r.endedAt = time.Now()
		settled = true
		close(r.done)
	})
	return settled
}

// Settled 交换结束时关闭的通道
func (r *RecordedRequest) Settled() <-chan struct{} {
	return r.done
}

// IsSettled 是否已结束
func (r *RecordedRequest) IsSettled() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait 阻塞直到交换结束或 ctx 结束
func (r *RecordedRequest) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Response 返回响应快照，未结束或请求失败时为 nil
func (r *RecordedRequest) Response() *RecordedResponse {
	if !r.IsSettled() {
		return nil
	}
	return r.response
}

// Failure 网络层失败原因，未失败时为空
func (r *RecordedRequest) Failure() string {
	if !r.IsSettled() {
		return ""
	}
	return r.failure
}

// Duration 请求开始到结束的耗时，未结束时为 0
func (r *RecordedRequest) Duration() time.Duration {
	if !r.IsSettled() {
		return 0
	}
	return r.endedAt.Sub(r.StartedAt)
}
