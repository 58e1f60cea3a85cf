package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey  contextKey = "request_id"
	clientTypeKey contextKey = "client_type"
	workspaceKey  contextKey = "workspace"
	providerKey   contextKey = "provider"
)

// WithRequestID 设置请求 ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithClientType 设置发起请求的客户端类型
func WithClientType(ctx context.Context, clientType string) context.Context {
	return context.WithValue(ctx, clientTypeKey, clientType)
}

// ClientType 获取客户端类型
func ClientType(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(clientTypeKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithWorkspace 设置当前活跃工作区名称
func WithWorkspace(ctx context.Context, workspace string) context.Context {
	return context.WithValue(ctx, workspaceKey, workspace)
}

// Workspace 获取工作区名称
func Workspace(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(workspaceKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithProvider 设置处理请求的上游 Provider 名称
func WithProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, providerKey, provider)
}

// Provider 获取 Provider 名称
func Provider(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(providerKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
