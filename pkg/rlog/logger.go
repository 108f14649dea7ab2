package rlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger      *zap.Logger // info/debug日志
	warnLogger  *zap.Logger // 警告日志
	errorLogger *zap.Logger // 错误日志
	panicLogger *zap.Logger // panic/fatal日志
	atom        = zap.NewAtomicLevel()

	opts        *Options
	defaultOnce sync.Once
)

// Configure 初始化全局日志，可重复调用（以最后一次为准）
func Configure(op *Options) {
	opts = op
	atom.SetLevel(op.Level)

	loggerOpts := make([]zap.Option, 0, 2)
	if op.LineNum {
		loggerOpts = append(loggerOpts, zap.AddCaller(), zap.AddCallerSkip(2))
	}

	logger = zap.New(newRotateCore(op, "info.log", atom), loggerOpts...)
	warnLogger = zap.New(newRotateCore(op, "warn.log", zap.WarnLevel), loggerOpts...)
	errorLogger = zap.New(newRotateCore(op, "error.log", zap.ErrorLevel), loggerOpts...)
	panicLogger = zap.New(newRotateCore(op, "panic.log", zap.DPanicLevel), append(loggerOpts, zap.AddStacktrace(zapcore.DPanicLevel))...)
}

func newRotateCore(op *Options, file string, level zapcore.LevelEnabler) zapcore.Core {
	writers := make([]zapcore.WriteSyncer, 0, 2)
	if !op.NoStdout {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}
	writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(op.LogDir, file),
		MaxSize:    op.MaxSize, // megabytes
		MaxBackups: op.MaxBackups,
		MaxAge:     op.MaxAge, // days
	}))
	return zapcore.NewCore(
		zapcore.NewJSONEncoder(newEncoderConfig()),
		zapcore.NewMultiWriteSyncer(writers...),
		level,
	)
}

func newEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "time",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "linenum",
		MessageKey:    "msg",
		StacktraceKey: "stacktrace",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
		EncodeName:    zapcore.FullNameEncoder,
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format("2006-01-02T15:04:05.000-07:00"))
		},
		EncodeDuration: func(d time.Duration, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendInt64(d.Milliseconds())
		},
	}
}

func ensure() {
	if logger != nil {
		return
	}
	defaultOnce.Do(func() {
		if logger == nil {
			Configure(NewOptions())
		}
	})
}

// Level 当前日志级别
func Level() zapcore.Level {
	return atom.Level()
}

// SetLevel 运行时调整日志级别
func SetLevel(l zapcore.Level) {
	atom.SetLevel(l)
}

func Info(msg string, fields ...zap.Field) {
	ensure()
	logger.Info(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	ensure()
	logger.Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	ensure()
	warnLogger.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	ensure()
	errorLogger.Error(msg, fields...)
}

func Panic(msg string, fields ...zap.Field) {
	ensure()
	panicLogger.Panic(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	ensure()
	panicLogger.Fatal(msg, fields...)
}

func Sync() error {
	if logger == nil {
		return nil
	}
	for name, l := range map[string]*zap.Logger{"info": logger, "warn": warnLogger, "error": errorLogger, "panic": panicLogger} {
		if err := l.Sync(); err != nil {
			fmt.Println(name, "logger sync error", err)
		}
	}
	return nil
}

// Log 组件日志接口，组件通过嵌入 Log 获得带前缀的日志能力
type Log interface {
	Info(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Panic(msg string, fields ...zap.Field)
	Fatal(msg string, fields ...zap.Field)
}

// RLog 带前缀的日志
type RLog struct {
	prefix string
}

func NewRLog(prefix string) *RLog {
	return &RLog{prefix: prefix}
}

func (r *RLog) withPrefix(msg string) string {
	var b strings.Builder
	b.Grow(len(r.prefix) + len(msg) + 6)
	b.WriteString("【")
	b.WriteString(r.prefix)
	b.WriteString("】")
	b.WriteString(msg)
	return b.String()
}

func (r *RLog) Info(msg string, fields ...zap.Field) {
	Info(r.withPrefix(msg), fields...)
}

func (r *RLog) Debug(msg string, fields ...zap.Field) {
	Debug(r.withPrefix(msg), fields...)
}

func (r *RLog) Warn(msg string, fields ...zap.Field) {
	Warn(r.withPrefix(msg), fields...)
}

func (r *RLog) Error(msg string, fields ...zap.Field) {
	Error(r.withPrefix(msg), fields...)
}

func (r *RLog) Panic(msg string, fields ...zap.Field) {
	Panic(r.withPrefix(msg), fields...)
}

func (r *RLog) Fatal(msg string, fields ...zap.Field) {
	Fatal(r.withPrefix(msg), fields...)
}
