// Package log holds the process-wide zap logger.
package log

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the name of the log file written inside the configured directory.
const FileName = "elmlink.log"

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

type options struct {
	dir     string
	console bool
}

// Option customizes InitLogger.
type Option func(*options)

// WithDirectory also writes JSON log lines to FileName inside dir.
func WithDirectory(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithoutConsole disables the stderr output, e.g. while a full-screen UI owns the terminal.
func WithoutConsole() Option {
	return func(o *options) {
		o.console = false
	}
}

// InitLogger replaces the global logger.
func InitLogger(debug bool, opts ...Option) error {
	o := &options{console: true}
	for _, opt := range opts {
		opt(o)
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if debug {
		level.SetLevel(zapcore.DebugLevel)
	}

	var cores []zapcore.Core
	if o.console {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level))
	}
	if o.dir != "" {
		if err := os.MkdirAll(o.dir, 0o755); err != nil {
			return err
		}
		sink := &lumberjack.Logger{
			Filename:   filepath.Join(o.dir, FileName),
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(sink), level))
	}

	l := zap.NewNop()
	if len(cores) > 0 {
		l = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	}

	mu.Lock()
	old := logger
	logger = l
	mu.Unlock()
	_ = old.Sync()
	return nil
}

// L returns the current logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Sync flushes buffered entries.
func Sync() error {
	return L().Sync()
}

func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}
