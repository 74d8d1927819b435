package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bnema/reencode/config"
)

// Logger wraps a zap logger with printf-style helpers.
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

func New(cfg config.LogConfig) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var sink zapcore.WriteSyncer
	switch cfg.Output {
	case "file":
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, err
		}
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	default:
		sink = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, sink, level)
	return Wrap(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))), nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return Wrap(zap.NewNop())
}

// Wrap adapts an existing zap logger.
func Wrap(z *zap.Logger) *Logger {
	return &Logger{Logger: z, sugar: z.Sugar()}
}

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(name string) *Logger {
	return Wrap(l.Logger.Named(name))
}

func (l *Logger) With(fields ...zap.Field) *Logger {
	return Wrap(l.Logger.With(fields...))
}

func (l *Logger) Debugf(template string, args ...any) {
	l.sugar.Debugf(template, args...)
}

func (l *Logger) Infof(template string, args ...any) {
	l.sugar.Infof(template, args...)
}

func (l *Logger) Warnf(template string, args ...any) {
	l.sugar.Warnf(template, args...)
}

func (l *Logger) Errorf(template string, args ...any) {
	l.sugar.Errorf(template, args...)
}

func (l *Logger) Sync() error {
	return l.Logger.Sync()
}
