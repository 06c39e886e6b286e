package pondsync

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.ErrorRetryDelay)
	assert.Equal(t, 8*time.Second, cfg.TimeoutRetryDelay)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.DisposeGrace)
	assert.Equal(t, 2, cfg.SendRetries)
	assert.Equal(t, 30*time.Second, cfg.StalenessWindow)
	assert.Equal(t, 3*time.Second, cfg.TypingExpiry)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxReconnectAttempts = 0
	cfg.SendRetryDelay = 0

	err := cfg.Validate()

	var pondErr *Error
	require.True(t, errors.As(err, &pondErr))
	assert.Equal(t, StatusInternalServerError, pondErr.Code)
	assert.Contains(t, pondErr.Message, "MaxReconnectAttempts")
	assert.Contains(t, pondErr.Message, "SendRetryDelay")
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing env file falls back to defaults", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.env"))

		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		t.Setenv("PONDSYNC_DEBOUNCE", "150ms")
		t.Setenv("PONDSYNC_MAX_RECONNECT_ATTEMPTS", "3")
		t.Setenv("PONDSYNC_DEBUG", "true")

		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.env"))

		require.NoError(t, err)
		assert.Equal(t, 150*time.Millisecond, cfg.Debounce)
		assert.Equal(t, 3, cfg.MaxReconnectAttempts)
		assert.True(t, cfg.Debug)
	})

	t.Run("reads values from an env file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(path, []byte("PONDSYNC_SEND_RETRIES=4\nPONDSYNC_TYPING_EXPIRY=5s\n"), 0o600))
		t.Cleanup(func() {
			os.Unsetenv("PONDSYNC_SEND_RETRIES")
			os.Unsetenv("PONDSYNC_TYPING_EXPIRY")
		})

		cfg, err := LoadConfig(path)

		require.NoError(t, err)
		assert.Equal(t, 4, cfg.SendRetries)
		assert.Equal(t, 5*time.Second, cfg.TypingExpiry)
	})

	t.Run("reports every malformed value", func(t *testing.T) {
		t.Setenv("PONDSYNC_HEARTBEAT_INTERVAL", "soon")
		t.Setenv("PONDSYNC_SEND_RETRIES", "two")

		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.env"))

		var multi *MultiError
		require.True(t, errors.As(err, &multi))
		assert.Len(t, multi.Unwrap(), 2)
		assert.Contains(t, err.Error(), "PONDSYNC_HEARTBEAT_INTERVAL")
		assert.Contains(t, err.Error(), "PONDSYNC_SEND_RETRIES")
	})

	t.Run("validates the result", func(t *testing.T) {
		t.Setenv("PONDSYNC_SEND_RETRY_DELAY", "-1s")

		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.env"))

		assert.Error(t, err)
	})
}
