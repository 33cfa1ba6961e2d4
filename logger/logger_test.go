package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLoggerIsUsableBeforeInitialize(t *testing.T) {
	require.NotNil(t, Logger)

	// Must not panic
	Logger.Debugw("debug before init", "key", "value")
	Logger.Infow("info before init")
}

func TestInitializeJSON(t *testing.T) {
	err := Initialize(true)
	require.NoError(t, err)
	assert.True(t, JSONOutput)
	assert.NotNil(t, Logger)
}

func TestInitializeConsole(t *testing.T) {
	err := Initialize(false)
	require.NoError(t, err)
	assert.False(t, JSONOutput)
	assert.NotNil(t, Logger)
}

func TestNamed(t *testing.T) {
	require.NoError(t, Initialize(false))
	child := Named("matcher")
	require.NotNil(t, child)
	child.Infow("named logger works", "component", "matcher")
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv("GRIDWMS_LOG_LEVEL", "debug")
	assert.Equal(t, "debug", levelFromEnv().String())

	t.Setenv("GRIDWMS_LOG_LEVEL", "warn")
	assert.Equal(t, "warn", levelFromEnv().String())

	t.Setenv("GRIDWMS_LOG_LEVEL", "")
	assert.Equal(t, "info", levelFromEnv().String())
}
