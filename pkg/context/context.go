package context

import "context"

type ContextKey string

var (
	RequestIDKey     = ContextKey("X-Request-Id")
	MethodKey        = ContextKey("X-Method")
	RouteKey         = ContextKey("X-Route")
	RemoteIPKey      = ContextKey("X-Remote-Ip")
	TenantIDKey      = ContextKey("X-Tenant-Id")
	UserIDKey        = ContextKey("X-User-Id")
	IntegrationIDKey = ContextKey("X-Integration-Id")
	JobIDKey         = ContextKey("X-Job-Id")
)

func set(ctx context.Context, key ContextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

func get(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return set(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return get(ctx, RequestIDKey)
}

func SetMethod(ctx context.Context, method string) context.Context {
	return set(ctx, MethodKey, method)
}

func GetMethod(ctx context.Context) string {
	return get(ctx, MethodKey)
}

func SetRoute(ctx context.Context, route string) context.Context {
	return set(ctx, RouteKey, route)
}

func GetRoute(ctx context.Context) string {
	return get(ctx, RouteKey)
}

func SetRemoteIP(ctx context.Context, remoteIP string) context.Context {
	return set(ctx, RemoteIPKey, remoteIP)
}

func GetRemoteIP(ctx context.Context) string {
	return get(ctx, RemoteIPKey)
}

// SetTenantID stores the organization that owns the current request or job.
func SetTenantID(ctx context.Context, tenantID string) context.Context {
	return set(ctx, TenantIDKey, tenantID)
}

func GetTenantID(ctx context.Context) string {
	return get(ctx, TenantIDKey)
}

func SetUserID(ctx context.Context, userID string) context.Context {
	return set(ctx, UserIDKey, userID)
}

func GetUserID(ctx context.Context) string {
	return get(ctx, UserIDKey)
}

// SetIntegrationID stores the opaque id of the service integration being worked on.
func SetIntegrationID(ctx context.Context, opaqueID string) context.Context {
	return set(ctx, IntegrationIDKey, opaqueID)
}

func GetIntegrationID(ctx context.Context) string {
	return get(ctx, IntegrationIDKey)
}

func SetJobID(ctx context.Context, jobID string) context.Context {
	return set(ctx, JobIDKey, jobID)
}

func GetJobID(ctx context.Context) string {
	return get(ctx, JobIDKey)
}

// LogFields returns the identifiers present on ctx, keyed for structured logging.
func LogFields(ctx context.Context) map[string]any {
	fields := map[string]any{}
	for name, key := range map[string]ContextKey{
		"request_id":     RequestIDKey,
		"tenant_id":      TenantIDKey,
		"integration_id": IntegrationIDKey,
		"job_id":         JobIDKey,
	} {
		if v := get(ctx, key); v != "" {
			fields[name] = v
		}
	}
	return fields
}
