// Package appctx carries request-scoped identity through contexts.
package appctx

import "context"

type ContextKey string

var (
	RequestIDKey = ContextKey("X-Request-Id")
	UserIDKey    = ContextKey("X-User-Id")
	TriggerIDKey = ContextKey("X-Trigger-Id")
)

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	value, ok := ctx.Value(RequestIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func GetUserID(ctx context.Context) string {
	value, ok := ctx.Value(UserIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

// SetTriggerID tags the context with the trigger event that started the
// current rule run so every log line and record can be traced back to it.
func SetTriggerID(ctx context.Context, triggerID string) context.Context {
	return context.WithValue(ctx, TriggerIDKey, triggerID)
}

func GetTriggerID(ctx context.Context) string {
	value, ok := ctx.Value(TriggerIDKey).(string)
	if !ok {
		return ""
	}
	return value
}
