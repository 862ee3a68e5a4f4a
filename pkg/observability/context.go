package observability

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	correlationIDCtxKey contextKey = "correlation_id"
	runIDCtxKey         contextKey = "run_id"
	propertyCtxKey      contextKey = "property_ref"
)

// Standard attribute keys used in logs and metrics.
const (
	CorrelationIDKey = "correlation_id"
	RunIDKey         = "run_id"
	PropertyKey      = "property_ref"
	SourceKey        = "source_id"
	OperationKey     = "operation"
	DurationKey      = "duration_ms"
	ErrorKey         = "error"
)

// WithCorrelationID adds a correlation ID to the context.
// If id is empty, a new UUID is generated.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.New().String()
	}
	return context.WithValue(ctx, correlationIDCtxKey, id)
}

// CorrelationIDFromContext extracts the correlation ID from context.
func CorrelationIDFromContext(ctx context.Context) string {
	return stringValue(ctx, correlationIDCtxKey)
}

// WithRunID tags the context with the identifier of the current sync run.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDCtxKey, runID)
}

// RunIDFromContext extracts the sync run ID from context.
func RunIDFromContext(ctx context.Context) string {
	return stringValue(ctx, runIDCtxKey)
}

// WithProperty tags the context with the property being reconciled.
func WithProperty(ctx context.Context, propertyRef string) context.Context {
	return context.WithValue(ctx, propertyCtxKey, propertyRef)
}

// PropertyFromContext extracts the property reference from context.
func PropertyFromContext(ctx context.Context) string {
	return stringValue(ctx, propertyCtxKey)
}

// NewRunContext returns a context carrying a fresh run ID and a correlation ID.
// An existing correlation ID on ctx is kept.
func NewRunContext(ctx context.Context) (context.Context, string) {
	runID := uuid.New().String()
	ctx = WithRunID(ctx, runID)
	if CorrelationIDFromContext(ctx) == "" {
		ctx = WithCorrelationID(ctx, runID)
	}
	return ctx, runID
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
