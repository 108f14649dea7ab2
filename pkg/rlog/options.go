package rlog

import (
	"os"
	"path/filepath"

	"go.uber.org/zap/zapcore"
)

type Options struct {
	Level    zapcore.Level
	LogDir   string
	LineNum  bool // 是否打印行号
	NoStdout bool // 不输出到控制台
	// 单个日志文件大小上限（MB）
	MaxSize    int
	MaxBackups int
	MaxAge     int // 天
}

func NewOptions() *Options {
	return &Options{
		Level:      zapcore.InfoLevel,
		LogDir:     filepath.Join(os.TempDir(), "shardlog", "logs"),
		MaxSize:    500,
		MaxBackups: 3,
		MaxAge:     28,
	}
}
