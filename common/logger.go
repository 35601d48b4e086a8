package common

import (
	"context"
	"github.com/go-logr/zapr"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"github.com/vmihailenco/taskq/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"os"
)

type Logger struct {
	*otelzap.Logger
}

func (log *Logger) Ctx(ctx context.Context) otelzap.LoggerWithCtx {
	return log.Logger.Ctx(ctx)
}

func (log *Logger) OtelZapLogger() *otelzap.Logger {
	return log.Logger
}

func (log *Logger) ZapLogger() *zap.Logger {
	return log.Logger.Logger
}

// Named returns a child logger for one component, e.g. "counter.notification".
func (log *Logger) Named(name string) *Logger {
	return &Logger{
		Logger: otelzap.New(log.ZapLogger().Named(name), otelzap.WithMinLevel(log.ZapLogger().Level())),
	}
}

// With returns a child logger carrying the given fields on every entry.
func (log *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{
		Logger: otelzap.New(log.ZapLogger().With(fields...), otelzap.WithMinLevel(log.ZapLogger().Level())),
	}
}

func NewLoggerWithParams(dsn, serviceName, environment, version, key string, debug bool) (*Logger, error) {
	cfg := DevOtlpConfig{
		debug:       debug,
		dsn:         dsn,
		serviceName: serviceName,
		environment: environment,
		version:     version,
		key:         key,
	}
	return NewLogger(&cfg)
}

// NewDebugLogger builds a console logger without an exporter; used by tests and local runs.
func NewDebugLogger(serviceName string) *Logger {
	logger, _ := NewLoggerWithParams("", serviceName, "test", "0.0.0", "debug", true)
	return logger
}

func NewLogger(cfg OtlpConfig) (*Logger, error) {
	zapConf := zap.NewProductionEncoderConfig()
	zapConf.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	var defaultLogLevel zapcore.Level
	if cfg.Debug() {
		zapConf.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(zapConf)
		defaultLogLevel = zapcore.DebugLevel
	} else {
		encoder = zapcore.NewJSONEncoder(zapConf)
		defaultLogLevel = zapcore.InfoLevel
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), defaultLogLevel),
	}
	core := zapcore.NewTee(cores...)

	zapLogger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)).
		With(zap.String("service", cfg.ServiceName()))

	var options []otelzap.Option
	options = append(options, otelzap.WithMinLevel(defaultLogLevel))

	logger := &Logger{
		Logger: otelzap.New(zapLogger, options...),
	}
	zap.ReplaceGlobals(logger.ZapLogger())
	otelzap.ReplaceGlobals(logger.OtelZapLogger())

	// taskq is only present through the uptrace stack; keep its logs on the same sink.
	zaprLogger := zapr.NewLogger(logger.ZapLogger())
	taskq.SetLogger(zaprLogger)

	return logger, nil
}
