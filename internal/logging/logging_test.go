package logging

import (
	"go/parser"
	"go/token"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("roadseg", "debug")
	require.NoError(t, err)
	assert.True(t, logger.Desugar().Core().Enabled(zapcore.DebugLevel))

	logger, err = NewLogger("roadseg", "")
	require.NoError(t, err)
	assert.False(t, logger.Desugar().Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Desugar().Core().Enabled(zapcore.InfoLevel))

	_, err = NewLogger("roadseg", "loud")
	require.Error(t, err)
}

func TestNewLoggerConfig(t *testing.T) {
	cfg := NewLoggerConfig(zapcore.WarnLevel)
	assert.Equal(t, "console", cfg.Encoding)
	assert.True(t, cfg.DisableStacktrace)
	assert.Equal(t, zapcore.WarnLevel, cfg.Level.Level())
}

func TestLoggingKeepsTestDepsOut(t *testing.T) {
	f, err := parser.ParseFile(token.NewFileSet(), "logging.go", nil, parser.ImportsOnly)
	require.NoError(t, err)
	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		require.NoError(t, err)
		assert.NotEqual(t, "testing", path)
		assert.NotContains(t, path, "zaptest")
	}
}
