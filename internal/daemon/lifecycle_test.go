package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleManager(t *testing.T) {
	d := testDaemon(t)
	l := NewLifecycleManager(d)

	t.Run("start writes pid file", func(t *testing.T) {
		require.NoError(t, l.Start())

		pid, err := l.GetPID()
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
	})

	t.Run("is running detects own process", func(t *testing.T) {
		assert.True(t, l.IsRunning())
	})

	t.Run("stop removes pid file", func(t *testing.T) {
		require.NoError(t, l.Stop())

		_, err := l.GetPID()
		assert.Error(t, err)
		assert.False(t, l.IsRunning())
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		assert.NoError(t, l.Stop())
	})
}

func TestGetPIDInvalidContent(t *testing.T) {
	d := testDaemon(t)
	l := NewLifecycleManager(d)

	pidPath := filepath.Join(d.config.DataDir, "conductor.pid")
	require.NoError(t, os.WriteFile(pidPath, []byte("not-a-pid"), 0644))

	_, err := l.GetPID()
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644))
	pid, err := l.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
