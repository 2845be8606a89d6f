package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitLogger_WritesToDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, InitLogger(true, WithDirectory(dir), WithoutConsole()))
	t.Cleanup(func() { _ = InitLogger(false, WithoutConsole()) })

	Info("adapter verified", zap.String("identity", "ELM327 v1.5"))
	Debug("fragment", zap.Int("bytes", 4))
	require.NoError(t, Sync())

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "adapter verified")
	assert.Contains(t, string(data), "ELM327 v1.5")
	assert.Contains(t, string(data), "fragment")
}

func TestInitLogger_InfoLevelDropsDebug(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, InitLogger(false, WithDirectory(dir), WithoutConsole()))
	t.Cleanup(func() { _ = InitLogger(false, WithoutConsole()) })

	Debug("hidden")
	Warn("shown")
	require.NoError(t, Sync())

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestL_DefaultsToNop(t *testing.T) {
	assert.NotNil(t, L())
}
