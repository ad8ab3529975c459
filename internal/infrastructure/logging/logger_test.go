package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestJSONOutputCarriesComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roudi.log")
	logger, err := New(Config{Level: "info", OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Component("process-manager").Info("Process registered", zap.String("process", "alpha"))
	logger.Component("memory").Debug("hidden at info")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"component":"process-manager"`)
	assert.Contains(t, lines[0], `"process":"alpha"`)
}

func TestSetLevel(t *testing.T) {
	logger, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, logger.Level())

	require.NoError(t, logger.SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, logger.Level())
	assert.True(t, logger.Component("roudi").Core().Enabled(zapcore.DebugLevel))

	assert.Error(t, logger.SetLevel("nope"))
}

func TestNopAndDefaults(t *testing.T) {
	nop := NewNop()
	nop.Component("x").Info("dropped")
	assert.NoError(t, nop.Close())

	assert.NotNil(t, NewDefault())
	assert.True(t, DevelopmentConfig().Development)
}
