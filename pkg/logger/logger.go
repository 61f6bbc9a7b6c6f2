package logger

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds configuration for the logger
type Config struct {
	Environment string
	LogLevel    string
	ServiceName string
	// Worker names the process role (api, worker, sweeper) when a binary runs more than one.
	Worker string
	// Output overrides stdout. Used by tests.
	Output zapcore.WriteSyncer
}

type contextKey string

const (
	stageKey    = contextKey("stage")
	questionKey = contextKey("question_id")
)

// New creates a new logger with the given configuration
func New(cfg Config) *zap.Logger {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	out := cfg.Output
	if out == nil {
		out = zapcore.Lock(os.Stdout)
	}

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Environment == "development" {
		opts = append(opts, zap.Development())
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), out, getLogLevel(cfg.LogLevel))
	log := zap.New(core, opts...)

	fields := []zap.Field{
		zap.String("service", cfg.ServiceName),
		zap.String("environment", cfg.Environment),
	}
	if cfg.Worker != "" {
		fields = append(fields, zap.String("worker", cfg.Worker))
	}
	return log.With(fields...)
}

// FromContext decorates baseLogger with the stage and question carried by ctx.
func FromContext(ctx context.Context, baseLogger *zap.Logger) *zap.Logger {
	log := baseLogger
	if stage, ok := ctx.Value(stageKey).(string); ok && stage != "" {
		log = log.With(zap.String("stage", stage))
	}
	if id, ok := ctx.Value(questionKey).(string); ok && id != "" {
		log = log.With(zap.String("question_id", id))
	}
	return log
}

// WithStage records the pipeline stage handling the current message.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// WithQuestion records the question the current message targets.
func WithQuestion(ctx context.Context, questionID string) context.Context {
	if questionID == "" {
		return ctx
	}
	return context.WithValue(ctx, questionKey, questionID)
}

func getLogLevel(level string) zap.AtomicLevel {
	switch level {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}
