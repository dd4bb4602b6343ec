package ctxkeys

import (
	"context"

	"github.com/google/uuid"
)

// TraceIDKey 上下文中追踪ID的键
type TraceIDKey struct{}

// WithTraceID 返回携带追踪ID的上下文，id 为空时自动生成
func WithTraceID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, TraceIDKey{}, id)
}

// TraceID 读取上下文中的追踪ID
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey{}).(string); ok {
		return v
	}
	return ""
}
