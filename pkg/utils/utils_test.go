package utils

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func fastRetry() *RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func TestRetryWithBackoff(t *testing.T) {
	t.Run("SuccessfulOperation", func(t *testing.T) {
		attempts := 0
		operation := func() error {
			attempts++
			if attempts < 2 {
				return errors.New("temporary error")
			}
			return nil
		}

		err := RetryWithBackoff(context.Background(), operation, fastRetry())
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("MaxAttemptsExceeded", func(t *testing.T) {
		attempts := 0
		persistent := errors.New("persistent error")
		operation := func() error {
			attempts++
			return persistent
		}

		err := RetryWithBackoff(context.Background(), operation, fastRetry())
		require.Error(t, err)
		assert.ErrorIs(t, err, persistent)
		assert.Equal(t, fastRetry().MaxAttempts, attempts)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		operation := func() error {
			attempts++
			cancel()
			return errors.New("error")
		}

		err := RetryWithBackoff(ctx, operation, DefaultRetryConfig())
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	})

	t.Run("PermanentError", func(t *testing.T) {
		attempts := 0
		fatal := errors.New("bad request")
		err := RetryWithBackoff(context.Background(), func() error {
			attempts++
			return Permanent(fatal)
		}, fastRetry())
		assert.Equal(t, fatal, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("NonRetryableError", func(t *testing.T) {
		retryable := errors.New("retryable")
		other := errors.New("other")
		cfg := fastRetry()
		cfg.RetryableErrors = []error{retryable}

		attempts := 0
		err := RetryWithBackoff(context.Background(), func() error {
			attempts++
			return other
		}, cfg)
		assert.Equal(t, other, err)
		assert.Equal(t, 1, attempts)
	})
}

func TestAddJitter(t *testing.T) {
	delay := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := addJitter(delay, 0.2)
		assert.GreaterOrEqual(t, d, delay)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
	assert.Equal(t, delay, addJitter(delay, 0))
}

func TestSafeGo(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	SafeGo(zaptest.NewLogger(t), func() {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")

	require.NoError(t, WriteFileAtomic(path, []byte("secret"), 0600))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(content))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLogger(t *testing.T) {
	t.Run("FileSink", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "validator.log")
		cfg := DefaultLogConfig()
		cfg.OutputPath = path

		logger, err := NewLogger(cfg)
		require.NoError(t, err)
		logger.Info("round finished", zap.String("outcome", "submitted"))
		_ = logger.Sync()

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), `"outcome":"submitted"`)

		require.NoError(t, RotateLogs(path))
	})

	t.Run("InvalidLevel", func(t *testing.T) {
		cfg := DefaultLogConfig()
		cfg.Level = "loud"
		cfg.OutputPath = ""
		_, err := NewLogger(cfg)
		assert.Error(t, err)
	})
}
