package rlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestLogger(t *testing.T) {
	opts := NewOptions()
	opts.Level = zap.DebugLevel
	opts.LineNum = true
	opts.NoStdout = true
	opts.LogDir = t.TempDir()
	Configure(opts)

	Info("this is info")
	Debug("this is debug")
	Warn("this is warn")
	Error("this is error", zap.String("key", "value"))
	_ = Sync()

	_, err := os.Stat(filepath.Join(opts.LogDir, "info.log"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(opts.LogDir, "error.log"))
	assert.NoError(t, err)
}

func TestRLogPanic(t *testing.T) {
	opts := NewOptions()
	opts.NoStdout = true
	opts.LogDir = t.TempDir()
	Configure(opts)

	l := NewRLog("test")
	assert.Equal(t, "【test】hello", l.withPrefix("hello"))
	assert.Panics(t, func() {
		l.Panic("boom")
	})
}
