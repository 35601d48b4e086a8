package common

import (
	"context"
	"fmt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SetLogError logs err, marks the current span as failed and returns err
// prefixed with description. The original error stays wrapped.
func SetLogError(ctx context.Context, description string, err error, logger *Logger, attrs ...attribute.KeyValue) error {
	recordError := fmt.Errorf("%s: %w", description, err)
	fields := make([]zap.Field, 0, len(attrs)+1)
	fields = append(fields, zap.Error(err))
	for _, attr := range attrs {
		fields = append(fields, zap.String(string(attr.Key), attr.Value.Emit()))
	}
	logger.Ctx(ctx).Error(description, fields...)

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
		span.SetStatus(codes.Error, recordError.Error())
	}
	return recordError
}
