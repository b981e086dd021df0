// Package logtest provides loggers for tests that assert on log output.
package logtest

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// NewObservedLogger writes Debug+ logs to the test output and keeps a
// copy in memory for assertions.
func NewObservedLogger(tb testing.TB) (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	tee := zapcore.NewTee(zaptest.NewLogger(tb).Core(), core)
	return zap.New(tee).Sugar(), logs
}
