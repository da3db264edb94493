package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Fatal(msg string, kv ...any)
	With(kv ...any) Logger
}

// Options configures New. Level is one of debug|info|warn|error|fatal.
type Options struct {
	Env   string
	Level string
	JSON  bool
}

// global log level shared by every logger built here; changed at runtime via SetLevel
var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

type zapLogger struct{ s *zap.SugaredLogger }

// New builds a zap-backed logger writing to stderr.
func New(opts Options) Logger {
	SetLevel(opts.Level)
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	if opts.Env != "" {
		l = l.With(zap.String("env", opts.Env))
	}
	return &zapLogger{s: l.Sugar()}
}

// NewWithCore wraps an arbitrary core, e.g. zaptest/observer in tests.
func NewWithCore(core zapcore.Core) Logger {
	return &zapLogger{s: zap.New(core).Sugar()}
}

// Nop discards everything.
func Nop() Logger { return &zapLogger{s: zap.NewNop().Sugar()} }

func SetLevel(lvl string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(lvl)))); err != nil {
		l = zapcore.InfoLevel
	}
	level.SetLevel(l)
}

func GetLevel() string { return level.Level().String() }

func (l *zapLogger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }
func (l *zapLogger) Fatal(msg string, kv ...any) { l.s.Fatalw(msg, kv...) }

func (l *zapLogger) With(kv ...any) Logger { return &zapLogger{s: l.s.With(kv...)} }
