package pkg

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultConfig(t *testing.T) {
	logger, err := New(nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Console.Enable = false
	cfg.Level = "not-a-level"

	logger, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
	assert.Equal(t, "not-a-level", logger.config.Level, "config is stored verbatim even though the parsed level falls back")
}

func TestNew_FileOutputCreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "nested", "node.log")

	cfg := DefaultConfig()
	cfg.Console.Enable = false
	cfg.File.Enable = true
	cfg.File.Path = logPath

	logger, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info().Msg("hello")

	_, err = os.Stat(filepath.Dir(logPath))
	assert.NoError(t, err, "log directory should have been created")
}

func TestLogger_WithComponentAddsField(t *testing.T) {
	base, err := New(&Config{Console: ConsoleConfig{Enable: false}})
	require.NoError(t, err)

	scoped := base.WithComponent("dispatcher")
	assert.Equal(t, "dispatcher", scoped.fields["component"])
}

func TestLogger_WithNodeAddsIdentityFields(t *testing.T) {
	base, err := New(&Config{Console: ConsoleConfig{Enable: false}})
	require.NoError(t, err)

	scoped := base.WithNode("deadbeef", "127.0.0.1:9000")
	assert.Equal(t, "deadbeef", scoped.fields["node_id"])
	assert.Equal(t, "127.0.0.1:9000", scoped.fields["addr"])
}

func TestLogger_WithFieldsMergesRatherThanReplaces(t *testing.T) {
	base, err := New(&Config{Console: ConsoleConfig{Enable: false}})
	require.NoError(t, err)

	first := base.WithComponent("peer_client")
	second := first.WithFields(Fields{"peer": "127.0.0.1:9001"})

	assert.Equal(t, "peer_client", second.fields["component"])
	assert.Equal(t, "127.0.0.1:9001", second.fields["peer"])
}

func TestLogger_WithErrorAddsErrorFields(t *testing.T) {
	base, err := New(&Config{Console: ConsoleConfig{Enable: false}})
	require.NoError(t, err)

	withErr := base.WithError(errors.New("boom"))
	assert.Equal(t, "boom", withErr.fields["error"])
	assert.NotEmpty(t, withErr.fields["error_type"])
}

func TestLogger_WithErrorNilIsNoop(t *testing.T) {
	base, err := New(&Config{Console: ConsoleConfig{Enable: false}})
	require.NoError(t, err)

	assert.Same(t, base, base.WithError(nil))
}

func TestLogger_UpdateLevel(t *testing.T) {
	logger, err := New(&Config{Console: ConsoleConfig{Enable: false}, Level: "info"})
	require.NoError(t, err)

	require.NoError(t, logger.UpdateLevel("debug"))
	assert.Equal(t, "debug", logger.config.Level)

	assert.Error(t, logger.UpdateLevel("not-a-level"))
}

func TestLogger_ConcurrentWithFields(t *testing.T) {
	base, err := New(&Config{Console: ConsoleConfig{Enable: false}})
	require.NoError(t, err)

	done := make(chan struct{})
	const workers = 50
	for i := 0; i < workers; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			scoped := base.WithFields(Fields{"worker": id})
			scoped.Info().Msg("concurrent log")
		}(i)
	}
	for i := 0; i < workers; i++ {
		<-done
	}
}

func TestGet_ReturnsSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestSetGlobal_SwapsInstanceUsedByGet(t *testing.T) {
	original := Get()
	t.Cleanup(func() { SetGlobal(original) })

	replacement, err := New(&Config{Console: ConsoleConfig{Enable: false}})
	require.NoError(t, err)

	SetGlobal(replacement)
	assert.Same(t, replacement, Get())
}

func TestLogger_Close(t *testing.T) {
	logger, err := New(&Config{Console: ConsoleConfig{Enable: false}})
	require.NoError(t, err)
	logger.AddField("node_id", "n1")
	assert.NoError(t, logger.Close())
}
