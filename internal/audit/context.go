package audit

import (
	"context"
	"strings"
)

// RequestMeta is the per-request data copied into every draft.
type RequestMeta struct {
	RequestID   string
	OperationID string
	IPAddress   string
}

type metaKey struct{}

// WithRequestMeta attaches request metadata to the context for audit recording.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	meta.RequestID = strings.TrimSpace(meta.RequestID)
	meta.OperationID = strings.TrimSpace(meta.OperationID)
	meta.IPAddress = strings.TrimSpace(meta.IPAddress)
	return context.WithValue(ctx, metaKey{}, meta)
}

// MetaFromContext returns the request metadata, zero when absent.
func MetaFromContext(ctx context.Context) RequestMeta {
	if ctx == nil {
		return RequestMeta{}
	}
	meta, _ := ctx.Value(metaKey{}).(RequestMeta)
	return meta
}
