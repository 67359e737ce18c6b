// Package logger provides the package-level structured logger shared by
// every component of this module. It wraps a zap.SugaredLogger behind a
// small set of free functions so callers never construct or pass around a
// *zap.Logger directly.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level mirrors zapcore.Level so call sites never need to import zap.
type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
)

// Logger wraps a zap.SugaredLogger with a runtime-adjustable level.
type Logger struct {
	sugar *zap.SugaredLogger
	atom  zap.AtomicLevel
}

// New builds a Logger writing to w at the given initial level. The level can
// be changed afterwards with SetLevel without rebuilding the core.
func New(w io.Writer, level Level) *Logger {
	atom := zap.NewAtomicLevelAt(level)
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderCfg)
	core := zapcore.NewCore(encoder, zapcore.AddSync(w), atom)
	zl := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{sugar: zl.Sugar(), atom: atom}
}

// NewProductionRotateByTime returns a writer that rotates the log file at
// path once a day, keeping seven days of history, using file-rotatelogs.
func NewProductionRotateByTime(path string) io.Writer {
	w, err := rotatelogs.New(
		path+".%Y%m%d",
		rotatelogs.WithLinkName(path),
		rotatelogs.WithMaxAge(7*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		// Fall back to a size-rotated sink rather than fail logger setup.
		return &lumberjack.Logger{Filename: path, MaxSize: 100, MaxBackups: 7, MaxAge: 7}
	}
	return w
}

// NewSizeRotated returns a writer that rotates path by size using lumberjack,
// the sibling rotation strategy to NewProductionRotateByTime.
func NewSizeRotated(path string, maxSizeMB, maxBackups, maxAgeDays int) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
}

func (l *Logger) SetLevel(level Level) { l.atom.SetLevel(level) }

func (l *Logger) Sync() error { return l.sugar.Sync() }

var (
	mu      sync.RWMutex
	current = New(os.Stdout, InfoLevel)
)

// ReplaceDefault swaps the package-level logger used by the free functions
// below. Existing callers of Debug/Info/... pick up the new sink/level on
// their next call.
func ReplaceDefault(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

func get() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func SetLevel(level Level) { get().SetLevel(level) }

func Sync() error { return get().Sync() }

func Debug(args ...interface{})            { get().sugar.Debug(args...) }
func Debugf(format string, args ...interface{}) { get().sugar.Debugf(format, args...) }
func Info(args ...interface{})             { get().sugar.Info(args...) }
func Infof(format string, args ...interface{})  { get().sugar.Infof(format, args...) }
func Warn(args ...interface{})             { get().sugar.Warn(args...) }
func Warnf(format string, args ...interface{})  { get().sugar.Warnf(format, args...) }
func Error(args ...interface{})            { get().sugar.Error(args...) }
func Errorf(format string, args ...interface{}) { get().sugar.Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { get().sugar.Fatalf(format, args...) }
func Println(args ...interface{})          { get().sugar.Info(args...) }
func Printf(format string, args ...interface{}) { get().sugar.Infof(format, args...) }

// GetError renders err for inclusion alongside a message argument, e.g.
// log.Error("send failed:", log.GetError(err)). A nil error renders as
// "<nil>" rather than panicking call sites that always pass one.
func GetError(err error) string {
	if err == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%v", err)
}
