package logx

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var lg *zap.SugaredLogger

func Init() {
	lvl := strings.ToLower(os.Getenv("LOG_LEVEL"))
	level := zapcore.InfoLevel

	switch lvl {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if svc := os.Getenv("SERVICE_NAME"); svc != "" {
		cfg.InitialFields = map[string]any{"service": svc}
	}

	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}
	lg = z.Sugar()
}

func L() *zap.SugaredLogger {
	if lg == nil {
		Init()
	}
	return lg
}

// Named returns the process logger tagged with a component field.
func Named(component string) *zap.SugaredLogger {
	return L().With("component", component)
}

// Or returns l, or the process logger when l is nil.
func Or(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l != nil {
		return l
	}
	return L()
}

func Sync() { _ = L().Sync() }
