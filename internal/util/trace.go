package util

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// TraceHeader 请求追踪头
const TraceHeader = "X-Trace-ID"

type contextKey string

const traceIDKey contextKey = "traceID"

// NewTraceID 生成追踪 ID
func NewTraceID() string {
	return uuid.NewString()
}

// ContextWithTraceID 将追踪 ID 放入 context
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext 取出追踪 ID
func TraceIDFromContext(ctx context.Context) (string, bool) {
	traceID, ok := ctx.Value(traceIDKey).(string)
	return traceID, ok && traceID != ""
}

// Logger 带上 context 中的追踪 ID
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if id, ok := TraceIDFromContext(ctx); ok {
		return base.With("trace_id", id)
	}
	return base
}

// TraceMiddleware 沿用请求头中的追踪 ID，没有时生成一个，并回写到响应头
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(TraceHeader)
		if id == "" {
			id = NewTraceID()
		}
		w.Header().Set(TraceHeader, id)
		next.ServeHTTP(w, r.WithContext(ContextWithTraceID(r.Context(), id)))
	})
}
