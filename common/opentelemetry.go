package common

import (
	"context"
	"github.com/uptrace/uptrace-go/uptrace"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// InitOpentelemetry configures tracing and log export; the returned func flushes and shuts it down.
func InitOpentelemetry(cfg OtlpConfig, nodeID string) (func(context.Context) error, error) {
	var attributes []attribute.KeyValue
	attributes = append(attributes, semconv.FaaSTriggerKey.String(cfg.Key()))
	if nodeID != "" {
		attributes = append(attributes, attribute.String("counters.node", nodeID))
	}

	var options []uptrace.Option
	options = append(options, uptrace.WithDSN(cfg.Dsn()))
	options = append(options, uptrace.WithTracingEnabled(true))
	options = append(options, uptrace.WithLoggingEnabled(true))
	options = append(options, uptrace.WithServiceName(cfg.ServiceName()),
		uptrace.WithDeploymentEnvironment(cfg.Environment()),
		uptrace.WithServiceVersion(cfg.Version()),
		uptrace.WithResourceAttributes(attributes...),
	)
	uptrace.ConfigureOpentelemetry(options...)
	otel.SetTextMapPropagator(xray.Propagator{})
	return uptrace.Shutdown, nil
}
