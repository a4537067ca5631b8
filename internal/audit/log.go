// Package audit writes administrative actions to the structured log.
package audit

import (
	"context"
	"errors"
	"maps"
	"strings"

	"retailops.org/internal/auth"
	"retailops.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the identifier stored by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with the request id and the
// authenticated user.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	attrs := []any{"type", "audit", "event", event}
	if rid := RequestID(ctx); rid != "" {
		attrs = append(attrs, "request_id", rid)
	}
	if claims, ok := auth.ClaimsFromContext(ctx); ok {
		attrs = append(attrs, "user_id", claims.Subject)
		if claims.TenantID != "" {
			attrs = append(attrs, "tenant_id", claims.TenantID)
		}
	}
	copyFields := make(map[string]any, len(fields))
	maps.Copy(copyFields, fields)
	attrs = append(attrs, "fields", copyFields)
	obs.Logger().InfoContext(ctx, "audit", attrs...)
	return nil
}
