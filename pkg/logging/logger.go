// Package logging builds the zap logger behind core.ILogger, teed into the
// OpenTelemetry log bridge.
package logging

import (
	"fmt"
	"os"
	"strings"

	"basis_arb/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements core.ILogger. Children created via WithField share the
// underlying zap core.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger builds a logger at the given level writing to stdout.
// encoding selects "console" (default) or "json"; an empty level means info.
func NewZapLogger(level, encoding string) (*ZapLogger, error) {
	zapLevel := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(level))
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		zapLevel = parsed
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if strings.EqualFold(encoding, "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	tee := zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), zapLevel),
		otelzap.NewCore("basis_arb", otelzap.WithLoggerProvider(global.GetLoggerProvider())),
	)

	return &ZapLogger{logger: zap.New(tee, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

// NewNopLogger returns a logger that discards everything. For tests.
func NewNopLogger() core.ILogger {
	return &ZapLogger{logger: zap.NewNop()}
}

// pairFields interprets the variadic tail as alternating key/value pairs.
// A dangling final key is dropped; non-string keys are stringified.
func pairFields(kv []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	return fields
}

func (l *ZapLogger) Debug(msg string, kv ...interface{}) { l.logger.Debug(msg, pairFields(kv)...) }
func (l *ZapLogger) Info(msg string, kv ...interface{})  { l.logger.Info(msg, pairFields(kv)...) }
func (l *ZapLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn(msg, pairFields(kv)...) }
func (l *ZapLogger) Error(msg string, kv ...interface{}) { l.logger.Error(msg, pairFields(kv)...) }
func (l *ZapLogger) Fatal(msg string, kv ...interface{}) { l.logger.Fatal(msg, pairFields(kv)...) }

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zapFields...)}
}

// Sync flushes buffered entries. Stdout does not always support it; callers
// ignore the error on shutdown.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
