package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/obs"
)

// LogEvent writes a structured security event (login, logout, refresh) enriched with
// request and user context. These events are not part of the append-only trail.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{zap.String("type", "audit"), zap.String("event", event)}
	meta := MetaFromContext(ctx)
	if meta.RequestID != "" {
		zf = append(zf, zap.String("request_id", meta.RequestID))
	}
	if meta.IPAddress != "" {
		zf = append(zf, zap.String("ip", meta.IPAddress))
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		zf = append(zf, zap.Int64("user_id", p.ID))
	}
	if fields == nil {
		fields = map[string]any{}
	}
	zf = append(zf, zap.Any("fields", fields))
	obs.LoggerFrom(ctx).Info("audit event", zf...)
	return nil
}

// Recorded reports a committed entry to metrics and the log.
func Recorded(ctx context.Context, e Entry) {
	obs.AuditEntriesTotal.WithLabelValues(e.Module, e.Action).Inc()
	obs.LoggerFrom(ctx).Debug("audit entry recorded",
		zap.String("id", e.ID),
		zap.String("module", e.Module),
		zap.String("action", e.Action),
		zap.String("entity", e.EntityType+"/"+e.EntityID),
		zap.String("operation_id", e.OperationID),
	)
}
